package testutil

import (
	"context"
	"sync"

	"github.com/formsally/allybridge/tracker"
)

// SpyStore records inserts and serves canned reports. The zero value is
// usable; set the exported fields before handing it to the code under test.
type SpyStore struct {
	// InsertErr fails every insert when set.
	InsertErr error
	// QueryErr fails RecentEntries and Summary when set.
	QueryErr error
	// RecentResult and SummaryResult are returned by the report methods.
	RecentResult  []tracker.Entry
	SummaryResult tracker.Summary

	mu            sync.Mutex
	entries       []tracker.Entry
	conversations [][]tracker.ConversationRow
	closed        bool
}

var _ tracker.Store = (*SpyStore)(nil)

func (s *SpyStore) InsertSymptomEntry(_ context.Context, entry tracker.Entry) error {
	if s.InsertErr != nil {
		return s.InsertErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *SpyStore) InsertConversation(_ context.Context, rows []tracker.ConversationRow) error {
	if s.InsertErr != nil {
		return s.InsertErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = append(s.conversations, rows)
	return nil
}

func (s *SpyStore) RecentEntries(context.Context, int, int) ([]tracker.Entry, error) {
	if s.QueryErr != nil {
		return nil, s.QueryErr
	}
	return s.RecentResult, nil
}

func (s *SpyStore) Summary(context.Context, int) (tracker.Summary, error) {
	if s.QueryErr != nil {
		return tracker.Summary{}, s.QueryErr
	}
	return s.SummaryResult, nil
}

func (s *SpyStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Entries returns a copy of the recorded symptom inserts.
func (s *SpyStore) Entries() []tracker.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]tracker.Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Conversations returns a copy of the recorded conversation inserts, one
// slice per InsertConversation call.
func (s *SpyStore) Conversations() [][]tracker.ConversationRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]tracker.ConversationRow, len(s.conversations))
	copy(out, s.conversations)
	return out
}

func (s *SpyStore) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
