package testutil

import (
	"context"
	"sync"

	"github.com/formsally/allybridge/search"
)

// FakeSearch serves canned results and records every query.
type FakeSearch struct {
	Results []search.Result
	Err     error

	mu      sync.Mutex
	queries []string
	limits  []int
}

var _ search.Client = (*FakeSearch)(nil)

func (f *FakeSearch) Search(_ context.Context, query string, limit int) ([]search.Result, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.limits = append(f.limits, limit)
	f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Results, nil
}

func (f *FakeSearch) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

func (f *FakeSearch) LastQuery() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queries) == 0 {
		return ""
	}
	return f.queries[len(f.queries)-1]
}

func (f *FakeSearch) LastLimit() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.limits) == 0 {
		return 0
	}
	return f.limits[len(f.limits)-1]
}
