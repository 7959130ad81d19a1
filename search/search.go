// Package search provides keyed web search for the search tools, backed by
// the Google Custom Search API.
package search

import (
	"context"
	"errors"
	"fmt"
)

// Upstream failure classes the tool server maps to user-facing messages.
var (
	ErrRateLimited  = errors.New("search rate limited")
	ErrAccessDenied = errors.New("search access denied")
)

// StatusError reports any other non-200 upstream status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("search failed with status %d", e.Code)
}

// Result is one search hit.
type Result struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	Link    string `json:"link"`
}

// Client performs a keyed web search, returning at most limit results.
type Client interface {
	Search(ctx context.Context, query string, limit int) ([]Result, error)
}
