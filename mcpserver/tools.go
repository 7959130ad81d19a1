package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/formsally/allybridge/mcp"
	"github.com/formsally/allybridge/metrics"
	"github.com/formsally/allybridge/search"
	"github.com/formsally/allybridge/tracker"
	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	// entryIDLayout is the timestamp part of generated entry ids
	// ("sym20260114093005").
	entryIDPrefix = "sym"
	entryIDLayout = "20060102150405"

	// redditSiteFilter narrows a web search to the MS subreddit.
	redditSiteFilter = "site:reddit.com/r/MultipleSclerosis"
	redditSource     = "r/MultipleSclerosis"
)

func (s *Server) logSymptoms(ctx context.Context, req mcplib.CallToolRequest) (mcp.ToolResult, string) {
	mood, err := req.RequireInt("mood")
	if err != nil {
		return mcp.Fail("Mood must be integer 1-10"), metrics.StatusDenied
	}
	if err := mcp.ValidateScale("Mood", mood); err != nil {
		return mcp.Fail(err.Error()), metrics.StatusDenied
	}
	fatigue, err := req.RequireInt("fatigue")
	if err != nil {
		return mcp.Fail("Fatigue must be integer 1-10"), metrics.StatusDenied
	}
	if err := mcp.ValidateScale("Fatigue", fatigue); err != nil {
		return mcp.Fail(err.Error()), metrics.StatusDenied
	}
	period, err := mcp.NormalizePeriodStatus(req.GetString("period_status", ""))
	if err != nil {
		return mcp.Fail(err.Error()), metrics.StatusDenied
	}

	now := s.clock.Now().UTC()
	entry := tracker.Entry{
		EntryID:          entryIDPrefix + now.Format(entryIDLayout),
		EntryDate:        tracker.NewDateTime(now),
		Mood:             mood,
		Fatigue:          fatigue,
		Symptoms:         req.GetStringSlice("symptoms", nil),
		MedicationsTaken: req.GetStringSlice("medications_taken", nil),
		PeriodStatus:     period,
		Notes:            req.GetString("notes", ""),
	}
	if err := s.store.InsertSymptomEntry(ctx, entry); err != nil {
		return mcp.Failf("Failed to log symptoms: %v", err), metrics.StatusError
	}

	parts := []string{
		fmt.Sprintf("mood=%d/10", mood),
		fmt.Sprintf("fatigue=%d/10", fatigue),
	}
	if len(entry.Symptoms) > 0 {
		parts = append(parts, "symptoms="+strings.Join(entry.Symptoms, ", "))
	}
	if period != "" {
		parts = append(parts, "period="+period)
	}
	return mcp.ToolResult{
		"success":  true,
		"message":  "Logged: " + strings.Join(parts, ", "),
		"entry_id": entry.EntryID,
	}, metrics.StatusOK
}

func (s *Server) logConversation(ctx context.Context, req mcplib.CallToolRequest) (mcp.ToolResult, string) {
	sessionID := strings.TrimSpace(req.GetString("session_id", ""))
	if sessionID == "" {
		return mcp.Fail("No valid session ID provided"), metrics.StatusDenied
	}
	userMessage := req.GetString("user_message", "")
	if strings.TrimSpace(userMessage) == "" {
		return mcp.Fail("user_message is required"), metrics.StatusDenied
	}
	assistantMessage := req.GetString("assistant_message", "")
	if strings.TrimSpace(assistantMessage) == "" {
		return mcp.Fail("assistant_message is required"), metrics.StatusDenied
	}
	inputType := req.GetString("input_type", "text")
	if !validInputType(inputType) {
		return mcp.Fail("input_type must be 'text' or 'audio'"), metrics.StatusDenied
	}

	// Both rows of the exchange carry the same timestamp so they sort as
	// one unit.
	now := tracker.NewDateTime(s.clock.Now())
	rows := []tracker.ConversationRow{
		{
			SessionID:   sessionID,
			SessionDate: now,
			Role:        tracker.RoleUser,
			Content:     userMessage,
			InputType:   inputType,
		},
		{
			SessionID:   sessionID,
			SessionDate: now,
			Role:        tracker.RoleAssistant,
			Content:     assistantMessage,
			InputType:   "text",
		},
	}
	if err := s.store.InsertConversation(ctx, rows); err != nil {
		return mcp.Failf("Failed to log conversation: %v", err), metrics.StatusError
	}
	return mcp.ToolResult{
		"success":    true,
		"message":    "Conversation logged",
		"session_id": sessionID,
	}, metrics.StatusOK
}

func (s *Server) searchReddit(ctx context.Context, req mcplib.CallToolRequest) (mcp.ToolResult, string) {
	return s.runSearch(ctx, req, redditSource)
}

func (s *Server) searchGoogle(ctx context.Context, req mcplib.CallToolRequest) (mcp.ToolResult, string) {
	return s.runSearch(ctx, req, "")
}

// runSearch implements both search tools. A non-empty source restricts the
// query to the subreddit and is echoed back in the result.
func (s *Server) runSearch(ctx context.Context, req mcplib.CallToolRequest, source string) (mcp.ToolResult, string) {
	query := strings.TrimSpace(req.GetString("query", ""))
	if query == "" {
		return mcp.Fail("query cannot be empty"), metrics.StatusDenied
	}
	limit := req.GetInt("limit", mcp.DefaultSearchLimit)
	if err := mcp.ValidateSearchLimit(limit); err != nil {
		return mcp.Fail(err.Error()), metrics.StatusDenied
	}
	if s.search == nil {
		return mcp.Fail("GOOGLE_SEARCH_API_KEY not configured"), metrics.StatusError
	}

	upstreamQuery := query
	if source != "" {
		upstreamQuery = redditSiteFilter + " " + query
	}
	results, err := s.search.Search(ctx, upstreamQuery, limit)
	if err != nil {
		return searchFailure(err), metrics.StatusError
	}

	items := make([]map[string]any, 0, len(results))
	for _, r := range results {
		items = append(items, map[string]any{
			"title":   r.Title,
			"snippet": r.Snippet,
			"link":    r.Link,
		})
	}
	res := mcp.ToolResult{
		"success":      true,
		"query":        query,
		"result_count": len(items),
		"results":      items,
	}
	if source != "" {
		res["source"] = source
	}
	return res, metrics.StatusOK
}

// searchFailure translates upstream search errors into the stable messages
// the model relays to the user.
func searchFailure(err error) mcp.ToolResult {
	switch {
	case errors.Is(err, search.ErrRateLimited):
		return mcp.Fail("API rate limit exceeded. Try again later.")
	case errors.Is(err, search.ErrAccessDenied):
		return mcp.Fail("API access denied. Check API key permissions.")
	}
	var statusErr *search.StatusError
	if errors.As(err, &statusErr) {
		return mcp.Failf("Search failed with status %d", statusErr.Code)
	}
	return mcp.Failf("Search request failed: %v", err)
}

func validInputType(s string) bool {
	for _, t := range mcp.InputTypes {
		if s == t {
			return true
		}
	}
	return false
}
