package tracker

import (
	"context"
	"fmt"

	"cdr.dev/slog"
	"cloud.google.com/go/bigquery"
	"github.com/formsally/allybridge/utils"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const (
	tableTracker       = "tbl_trkr"
	tableConversations = "tbl_conv"
)

// BigQuery is the deployed row store. Inserts go through the streaming
// inserter; reports run parameterized queries against the dataset.
type BigQuery struct {
	client  *bigquery.Client
	project string
	dataset string
	logger  slog.Logger
}

var _ Store = (*BigQuery)(nil)

// NewBigQuery connects to the given project/dataset. saFile optionally names
// a service account key; ambient credentials are used when it is empty.
func NewBigQuery(ctx context.Context, project, dataset, saFile string, logger slog.Logger) (*BigQuery, error) {
	var opts []option.ClientOption
	if saFile != "" {
		opts = append(opts, option.WithCredentialsFile(saFile))
	}
	client, err := bigquery.NewClient(ctx, project, opts...)
	if err != nil {
		return nil, fmt.Errorf("create bigquery client: %w", err)
	}
	return &BigQuery{
		client:  client,
		project: project,
		dataset: dataset,
		logger:  logger,
	}, nil
}

// trackerRow adapts an Entry to the tbl_trkr schema. The entry id doubles as
// the insert id, so a retried insert cannot duplicate a row.
type trackerRow struct {
	entry Entry
}

var _ bigquery.ValueSaver = trackerRow{}

func (r trackerRow) Save() (map[string]bigquery.Value, string, error) {
	var period bigquery.Value
	if r.entry.PeriodStatus != "" {
		period = r.entry.PeriodStatus
	}
	return map[string]bigquery.Value{
		"entry_id":          r.entry.EntryID,
		"entry_date":        r.entry.EntryDate.String(),
		"mood":              r.entry.Mood,
		"fatigue":           r.entry.Fatigue,
		"symptoms":          orEmpty(r.entry.Symptoms),
		"medications_taken": orEmpty(r.entry.MedicationsTaken),
		"period_status":     period,
		"notes":             r.entry.Notes,
	}, r.entry.EntryID, nil
}

// conversationRow adapts a ConversationRow to the tbl_conv schema.
type conversationRow struct {
	row ConversationRow
}

var _ bigquery.ValueSaver = conversationRow{}

func (r conversationRow) Save() (map[string]bigquery.Value, string, error) {
	var entryID bigquery.Value
	if r.row.EntryID != "" {
		entryID = r.row.EntryID
	}
	return map[string]bigquery.Value{
		"session_id":      r.row.SessionID,
		"entry_id":        entryID,
		"session_date":    r.row.SessionDate.String(),
		"role":            r.row.Role,
		"content":         r.row.Content,
		"input_type":      r.row.InputType,
		"intent_detected": orEmpty(r.row.IntentDetected),
	}, bigquery.NoDedupeID, nil
}

func (b *BigQuery) InsertSymptomEntry(ctx context.Context, entry Entry) error {
	inserter := b.client.Dataset(b.dataset).Table(tableTracker).Inserter()
	if err := inserter.Put(ctx, trackerRow{entry: entry}); err != nil {
		return fmt.Errorf("bigquery insert failed: %w", err)
	}
	return nil
}

func (b *BigQuery) InsertConversation(ctx context.Context, rows []ConversationRow) error {
	savers := make([]bigquery.ValueSaver, 0, len(rows))
	for _, row := range rows {
		savers = append(savers, conversationRow{row: row})
	}
	inserter := b.client.Dataset(b.dataset).Table(tableConversations).Inserter()
	if err := inserter.Put(ctx, savers); err != nil {
		return fmt.Errorf("bigquery insert failed: %w", err)
	}
	return nil
}

func (b *BigQuery) RecentEntries(ctx context.Context, days, limit int) ([]Entry, error) {
	q := b.client.Query(fmt.Sprintf(`
		SELECT entry_id, CAST(entry_date AS STRING) AS entry_date, mood, fatigue,
		       symptoms, medications_taken, period_status, notes
		FROM %s
		WHERE entry_date >= DATETIME_SUB(CURRENT_DATETIME(), INTERVAL @days DAY)
		ORDER BY entry_date DESC
		LIMIT @limit`, b.table(tableTracker)))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "days", Value: days},
		{Name: "limit", Value: limit},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("query recent entries: %w", err)
	}

	var entries []Entry
	for {
		var row struct {
			EntryID          string              `bigquery:"entry_id"`
			EntryDate        string              `bigquery:"entry_date"`
			Mood             int                 `bigquery:"mood"`
			Fatigue          int                 `bigquery:"fatigue"`
			Symptoms         []string            `bigquery:"symptoms"`
			MedicationsTaken []string            `bigquery:"medications_taken"`
			PeriodStatus     bigquery.NullString `bigquery:"period_status"`
			Notes            string              `bigquery:"notes"`
		}
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate entries: %w", err)
		}

		date, err := parseDateTime(row.EntryDate)
		if err != nil {
			return nil, fmt.Errorf("parse entry date %q: %w", row.EntryDate, err)
		}
		entries = append(entries, Entry{
			EntryID:          row.EntryID,
			EntryDate:        date,
			Mood:             row.Mood,
			Fatigue:          row.Fatigue,
			Symptoms:         row.Symptoms,
			MedicationsTaken: row.MedicationsTaken,
			PeriodStatus:     row.PeriodStatus.StringVal,
			Notes:            row.Notes,
		})
	}
	return entries, nil
}

func (b *BigQuery) Summary(ctx context.Context, days int) (Summary, error) {
	summary := Summary{Days: days}

	// The two aggregations are independent; run them concurrently.
	group := utils.NewConcurrentGroup()

	group.Go(func() error {
		q := b.client.Query(fmt.Sprintf(`
			SELECT COUNT(*) AS total_entries,
			       ROUND(AVG(mood), 1) AS avg_mood,
			       ROUND(AVG(fatigue), 1) AS avg_fatigue
			FROM %s
			WHERE entry_date >= DATETIME_SUB(CURRENT_DATETIME(), INTERVAL @days DAY)`, b.table(tableTracker)))
		q.Parameters = []bigquery.QueryParameter{{Name: "days", Value: days}}

		it, err := q.Read(ctx)
		if err != nil {
			return fmt.Errorf("query summary stats: %w", err)
		}
		var row struct {
			TotalEntries int                  `bigquery:"total_entries"`
			AvgMood      bigquery.NullFloat64 `bigquery:"avg_mood"`
			AvgFatigue   bigquery.NullFloat64 `bigquery:"avg_fatigue"`
		}
		if err := it.Next(&row); err != nil {
			return fmt.Errorf("read summary stats: %w", err)
		}
		summary.TotalEntries = row.TotalEntries
		if row.AvgMood.Valid {
			summary.AvgMood = &row.AvgMood.Float64
		}
		if row.AvgFatigue.Valid {
			summary.AvgFatigue = &row.AvgFatigue.Float64
		}
		return nil
	})

	group.Go(func() error {
		q := b.client.Query(fmt.Sprintf(`
			SELECT symptom, COUNT(*) AS count
			FROM %s, UNNEST(symptoms) AS symptom
			WHERE entry_date >= DATETIME_SUB(CURRENT_DATETIME(), INTERVAL @days DAY)
			GROUP BY symptom
			ORDER BY count DESC
			LIMIT 5`, b.table(tableTracker)))
		q.Parameters = []bigquery.QueryParameter{{Name: "days", Value: days}}

		it, err := q.Read(ctx)
		if err != nil {
			return fmt.Errorf("query top symptoms: %w", err)
		}
		for {
			var row struct {
				Symptom string `bigquery:"symptom"`
				Count   int    `bigquery:"count"`
			}
			err := it.Next(&row)
			if err == iterator.Done {
				return nil
			}
			if err != nil {
				return fmt.Errorf("iterate top symptoms: %w", err)
			}
			summary.TopSymptoms = append(summary.TopSymptoms, SymptomCount{Symptom: row.Symptom, Count: row.Count})
		}
	})

	if err := group.Wait(); err != nil {
		return Summary{}, err
	}
	return summary, nil
}

func (b *BigQuery) Close() error {
	return b.client.Close()
}

func (b *BigQuery) table(name string) string {
	return fmt.Sprintf("`%s.%s.%s`", b.project, b.dataset, name)
}

func orEmpty(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
