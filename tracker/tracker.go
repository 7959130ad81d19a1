// Package tracker persists symptom entries and conversation history.
// Two implementations exist: BigQuery for deployed environments and SQLite
// for local development. Both speak the same row shapes, so the MCP tool
// server and the report endpoints are storage-agnostic.
package tracker

import (
	"context"
	"fmt"
	"time"
)

// DateLayout is the wall-clock format rows are stored and serialized in.
// Timestamps are always UTC.
const DateLayout = "2006-01-02 15:04:05"

// Conversation row roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DateTime is a UTC timestamp carried in [DateLayout] across storage and
// JSON, matching the tracker table schema.
type DateTime time.Time

func NewDateTime(t time.Time) DateTime {
	return DateTime(t.UTC().Truncate(time.Second))
}

func (d DateTime) Time() time.Time {
	return time.Time(d)
}

func (d DateTime) String() string {
	return time.Time(d).UTC().Format(DateLayout)
}

func (d DateTime) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *DateTime) UnmarshalJSON(raw []byte) error {
	s := string(raw)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return fmt.Errorf("invalid datetime %s", s)
	}
	t, err := time.Parse(DateLayout, s[1:len(s)-1])
	if err != nil {
		return fmt.Errorf("parse datetime: %w", err)
	}
	*d = DateTime(t.UTC())
	return nil
}

func parseDateTime(s string) (DateTime, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return DateTime{}, err
	}
	return DateTime(t.UTC()), nil
}

// Entry is one symptom log row (tbl_trkr).
type Entry struct {
	EntryID          string   `json:"entry_id"`
	EntryDate        DateTime `json:"entry_date"`
	Mood             int      `json:"mood"`
	Fatigue          int      `json:"fatigue"`
	Symptoms         []string `json:"symptoms"`
	MedicationsTaken []string `json:"medications_taken"`
	// PeriodStatus is empty when not recorded; stored as NULL.
	PeriodStatus string `json:"period_status,omitempty"`
	Notes        string `json:"notes"`
}

// ConversationRow is one message of a logged exchange (tbl_conv).
type ConversationRow struct {
	SessionID string `json:"session_id"`
	// EntryID optionally links the message to a symptom entry.
	EntryID        string   `json:"entry_id,omitempty"`
	SessionDate    DateTime `json:"session_date"`
	Role           string   `json:"role"`
	Content        string   `json:"content"`
	InputType      string   `json:"input_type"`
	IntentDetected []string `json:"intent_detected"`
}

// SymptomCount is one row of the top-symptoms aggregation.
type SymptomCount struct {
	Symptom string `json:"symptom"`
	Count   int    `json:"count"`
}

// Summary aggregates recent entries for the report endpoints. Averages are
// nil when the window holds no entries.
type Summary struct {
	TotalEntries int            `json:"total_entries"`
	AvgMood      *float64       `json:"avg_mood"`
	AvgFatigue   *float64       `json:"avg_fatigue"`
	TopSymptoms  []SymptomCount `json:"top_symptoms"`
	Days         int            `json:"days"`
}

// Store is the row sink and report source backing the tracker tools.
type Store interface {
	InsertSymptomEntry(ctx context.Context, entry Entry) error
	InsertConversation(ctx context.Context, rows []ConversationRow) error
	// RecentEntries returns entries from the last `days` days, newest first.
	RecentEntries(ctx context.Context, days, limit int) ([]Entry, error)
	// Summary aggregates the last `days` days.
	Summary(ctx context.Context, days int) (Summary, error)
	Close() error
}
