// Package history persists finished tasks and exports scheduler metrics.
//
// The Recorder is a task.Observer that queues finished task records and
// writes them to the task_history table on its own goroutine, so workers
// never wait on SQLite. The MetricsObserver and Sampler write task outcomes
// and work area gauges to InfluxDB.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/fleet-core/internal/task"
)

// Page size bounds for List.
const (
	defaultLimit = 50
	maxLimit     = 200
)

// Filter controls which history rows to return. Empty fields match all.
type Filter struct {
	Name    string
	Subject string
	Area    string
	Outcome task.Outcome
	Limit   int // default 50, max 200
	Offset  int
}

// ListResult is one page of task history.
type ListResult struct {
	Tasks  []task.Record `json:"tasks"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// Repository defines the interface for task history storage.
type Repository interface {
	// Save inserts or replaces the row for rec.ID.
	Save(ctx context.Context, rec task.Record) error

	// Get returns the stored record for a task.
	// Returns ErrTaskNotFound if absent.
	Get(ctx context.Context, id string) (*task.Record, error)

	// List returns records matching the filter, most recently finished first.
	List(ctx context.Context, filter Filter) (*ListResult, error)

	// Prune deletes records that finished before cutoff and returns how
	// many were removed.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// SQLiteRepository stores task history in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new task history repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const selectColumns = `id, name, subject, area, outcome, attempts,
	submitted_at, started_at, finished_at, error`

// Save inserts or replaces the row for rec.ID.
func (r *SQLiteRepository) Save(ctx context.Context, rec task.Record) error {
	finished := rec.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO task_history (`+selectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			outcome = excluded.outcome,
			attempts = excluded.attempts,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			error = excluded.error`,
		rec.ID, rec.Name, nullableString(rec.Subject), rec.Area, string(rec.Outcome), rec.Attempts,
		formatTime(rec.SubmittedAt), nullableTime(rec.StartedAt), formatTime(finished),
		nullableString(rec.Error),
	)
	if err != nil {
		return fmt.Errorf("saving task %s: %w", rec.ID, err)
	}
	return nil
}

// Get returns the stored record for a task.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*task.Record, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+selectColumns+" FROM task_history WHERE id = ?", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns records matching the filter, most recently finished first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	if filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any
	for _, c := range []struct {
		column string
		value  string
	}{
		{"name", filter.Name},
		{"subject", filter.Subject},
		{"area", filter.Area},
		{"outcome", string(filter.Outcome)},
	} {
		if c.value != "" {
			conditions = append(conditions, c.column+" = ?")
			args = append(args, c.value)
		}
	}
	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	// WHERE holds only fixed column names and ? placeholders.
	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM task_history "+where, args...).Scan(&total); err != nil { //nolint:gosec // parameterised
		return nil, fmt.Errorf("counting task history: %w", err)
	}

	query := "SELECT " + selectColumns + " FROM task_history " + where + //nolint:gosec // parameterised
		" ORDER BY finished_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying task history: %w", err)
	}
	defer rows.Close()

	records := []task.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating task history: %w", err)
	}

	return &ListResult{
		Tasks:  records,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}, nil
}

// Prune deletes records that finished before cutoff.
func (r *SQLiteRepository) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM task_history WHERE finished_at < ?", formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("pruning task history: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*task.Record, error) {
	var rec task.Record
	var outcome, submitted, finished string
	var subject, started, errText sql.NullString

	if err := row.Scan(&rec.ID, &rec.Name, &subject, &rec.Area, &outcome, &rec.Attempts,
		&submitted, &started, &finished, &errText); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning task history: %w", err)
	}

	rec.Subject = subject.String
	rec.Outcome = task.Outcome(outcome)
	rec.Error = errText.String

	var err error
	if rec.SubmittedAt, err = parseTime(submitted); err != nil {
		return nil, err
	}
	if rec.FinishedAt, err = parseTime(finished); err != nil {
		return nil, err
	}
	if started.Valid {
		if rec.StartedAt, err = parseTime(started.String); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}

// Timestamps use a fixed-width layout so text ordering matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

// nullableString returns nil for empty strings.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
