// Package runlog records reconciliation run summaries in Postgres.
package runlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/property-reconciler/internal/db"
	"github.com/sells-group/property-reconciler/internal/model"
)

// DefaultTable holds one row per run.
const DefaultTable = "reconcile_runs"

// Entry represents a row in the run log.
type Entry struct {
	RunID           string            `json:"run_id"`
	Status          string            `json:"status"`
	StartedAt       time.Time         `json:"started_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	RecordsInserted int64             `json:"records_inserted"`
	Error           string            `json:"error,omitempty"`
	Summary         *model.RunSummary `json:"summary,omitempty"`
}

// Log provides read/write access to the run log table.
type Log struct {
	pool  db.Pool
	table string
}

// New creates a Log backed by the given connection pool. An empty table uses DefaultTable.
func New(pool db.Pool, table string) *Log {
	if table == "" {
		table = DefaultTable
	}
	return &Log{pool: pool, table: table}
}

// EnsureTable creates the run log table when it does not exist.
func (l *Log) EnsureTable(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	run_id           TEXT PRIMARY KEY,
	status           TEXT NOT NULL,
	started_at       TIMESTAMPTZ NOT NULL,
	completed_at     TIMESTAMPTZ,
	records_inserted BIGINT NOT NULL DEFAULT 0,
	error            TEXT,
	summary          JSONB
)`, db.SanitizeTable(l.table)))
	return eris.Wrap(err, "runlog: ensure table")
}

// Start records the beginning of a run.
func (l *Log) Start(ctx context.Context, runID string, startedAt time.Time) error {
	_, err := l.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (run_id, status, started_at) VALUES ($1, 'running', $2)`, db.SanitizeTable(l.table)),
		runID, startedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "runlog: start run %s", runID)
	}
	return nil
}

// Complete stores the finalized summary of a run.
func (l *Log) Complete(ctx context.Context, summary *model.RunSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "runlog: marshal summary")
	}

	var errMsg *string
	if summary.Failure != "" {
		errMsg = &summary.Failure
	}

	_, err = l.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET status = $1, completed_at = $2, records_inserted = $3, error = $4, summary = $5 WHERE run_id = $6`,
		db.SanitizeTable(l.table)),
		string(summary.Status), summary.StartedAt.Add(summary.Duration), summary.RecordsInserted, errMsg, data, summary.RunID,
	)
	if err != nil {
		return eris.Wrapf(err, "runlog: complete run %s", summary.RunID)
	}
	return nil
}

// Get returns one run by ID.
func (l *Log) Get(ctx context.Context, runID string) (*Entry, error) {
	row := l.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT run_id, status, started_at, completed_at, records_inserted, error, summary FROM %s WHERE run_id = $1`,
		db.SanitizeTable(l.table)), runID)

	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Errorf("runlog: run %s not found", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "runlog: get run %s", runID)
	}
	return e, nil
}

// List returns the most recent runs first.
func (l *Log) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.pool.Query(ctx, fmt.Sprintf(
		`SELECT run_id, status, started_at, completed_at, records_inserted, error, summary FROM %s ORDER BY started_at DESC LIMIT $1`,
		db.SanitizeTable(l.table)), limit)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: list")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, eris.Wrap(err, "runlog: scan entry")
		}
		entries = append(entries, *e)
	}
	return entries, eris.Wrap(rows.Err(), "runlog: list")
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var errStr *string
	var summaryJSON []byte
	if err := row.Scan(&e.RunID, &e.Status, &e.StartedAt, &e.CompletedAt, &e.RecordsInserted, &errStr, &summaryJSON); err != nil {
		return nil, err
	}
	if errStr != nil {
		e.Error = *errStr
	}
	if summaryJSON != nil {
		var s model.RunSummary
		if err := json.Unmarshal(summaryJSON, &s); err != nil {
			return nil, eris.Wrapf(err, "runlog: decode summary for %s", e.RunID)
		}
		e.Summary = &s
	}
	return &e, nil
}
