package tracker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"cdr.dev/slog"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tbl_trkr (
	entry_id          TEXT PRIMARY KEY,
	entry_date        TEXT NOT NULL,
	mood              INTEGER NOT NULL,
	fatigue           INTEGER NOT NULL,
	symptoms          TEXT NOT NULL DEFAULT '[]',
	medications_taken TEXT NOT NULL DEFAULT '[]',
	period_status     TEXT,
	notes             TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_trkr_entry_date ON tbl_trkr (entry_date);

CREATE TABLE IF NOT EXISTS tbl_conv (
	session_id      TEXT NOT NULL,
	entry_id        TEXT,
	session_date    TEXT NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	input_type      TEXT NOT NULL DEFAULT 'text',
	intent_detected TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_conv_session ON tbl_conv (session_id, session_date);
`

// SQLite is the local row store, used when no BigQuery project is configured.
// Array columns are stored as JSON text.
type SQLite struct {
	db     *sql.DB
	logger slog.Logger
}

var _ Store = (*SQLite)(nil)

// NewSQLite opens (creating if needed) the database at path and bootstraps
// the schema. Pass ":memory:" for an ephemeral store.
func NewSQLite(path string, logger slog.Logger) (*SQLite, error) {
	dsn := path
	if path != ":memory:" {
		// WAL for concurrent readers; busy timeout instead of SQLITE_BUSY.
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite only supports one writer at a time.

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}

	return &SQLite{db: db, logger: logger}, nil
}

func (s *SQLite) InsertSymptomEntry(ctx context.Context, entry Entry) error {
	symptoms, err := jsonArray(entry.Symptoms)
	if err != nil {
		return err
	}
	meds, err := jsonArray(entry.MedicationsTaken)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tbl_trkr (entry_id, entry_date, mood, fatigue, symptoms, medications_taken, period_status, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.EntryID,
		entry.EntryDate.String(),
		entry.Mood,
		entry.Fatigue,
		symptoms,
		meds,
		nullable(entry.PeriodStatus),
		entry.Notes,
	)
	if err != nil {
		return fmt.Errorf("insert symptom entry: %w", err)
	}
	return nil
}

func (s *SQLite) InsertConversation(ctx context.Context, rows []ConversationRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin conversation insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, row := range rows {
		intents, err := jsonArray(row.IntentDetected)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tbl_conv (session_id, entry_id, session_date, role, content, input_type, intent_detected)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			row.SessionID,
			nullable(row.EntryID),
			row.SessionDate.String(),
			row.Role,
			row.Content,
			row.InputType,
			intents,
		)
		if err != nil {
			return fmt.Errorf("insert conversation row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit conversation insert: %w", err)
	}
	return nil
}

func (s *SQLite) RecentEntries(ctx context.Context, days, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_id, entry_date, mood, fatigue, symptoms, medications_taken, COALESCE(period_status, ''), notes
		FROM tbl_trkr
		WHERE entry_date >= datetime('now', ?)
		ORDER BY entry_date DESC
		LIMIT ?`,
		fmt.Sprintf("-%d days", days), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			entry          Entry
			date           string
			symptoms, meds string
		)
		if err := rows.Scan(&entry.EntryID, &date, &entry.Mood, &entry.Fatigue, &symptoms, &meds, &entry.PeriodStatus, &entry.Notes); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if entry.EntryDate, err = parseDate(date); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(symptoms), &entry.Symptoms); err != nil {
			return nil, fmt.Errorf("decode symptoms: %w", err)
		}
		if err := json.Unmarshal([]byte(meds), &entry.MedicationsTaken); err != nil {
			return nil, fmt.Errorf("decode medications: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *SQLite) Summary(ctx context.Context, days int) (Summary, error) {
	summary := Summary{Days: days}
	window := fmt.Sprintf("-%d days", days)

	var (
		avgMood    sql.NullFloat64
		avgFatigue sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), ROUND(AVG(mood), 1), ROUND(AVG(fatigue), 1)
		FROM tbl_trkr
		WHERE entry_date >= datetime('now', ?)`,
		window,
	).Scan(&summary.TotalEntries, &avgMood, &avgFatigue)
	if err != nil {
		return Summary{}, fmt.Errorf("query summary stats: %w", err)
	}
	if avgMood.Valid {
		summary.AvgMood = &avgMood.Float64
	}
	if avgFatigue.Valid {
		summary.AvgFatigue = &avgFatigue.Float64
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT je.value, COUNT(*) AS cnt
		FROM tbl_trkr, json_each(tbl_trkr.symptoms) AS je
		WHERE entry_date >= datetime('now', ?)
		GROUP BY je.value
		ORDER BY cnt DESC, je.value
		LIMIT 5`,
		window,
	)
	if err != nil {
		return Summary{}, fmt.Errorf("query top symptoms: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sc SymptomCount
		if err := rows.Scan(&sc.Symptom, &sc.Count); err != nil {
			return Summary{}, fmt.Errorf("scan symptom count: %w", err)
		}
		summary.TopSymptoms = append(summary.TopSymptoms, sc)
	}
	return summary, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func jsonArray(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("encode array column: %w", err)
	}
	return string(raw), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseDate(s string) (DateTime, error) {
	t, err := parseDateTime(s)
	if err != nil {
		return DateTime{}, fmt.Errorf("parse entry date %q: %w", s, err)
	}
	return t, nil
}
