package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveRun stores a run summary. Uses ON CONFLICT to upsert, so the same run
// can be saved when it starts and again when it finishes.
func (s *SQLiteStore) SaveRun(ctx context.Context, run Run) error {
	// Create 5-second timeout context
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var finished sql.NullInt64
	if !run.FinishedAt.IsZero() {
		finished = sql.NullInt64{Int64: run.FinishedAt.UnixNano(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, finished_at, submitted, completed, failed)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			submitted = excluded.submitted,
			completed = excluded.completed,
			failed = excluded.failed
	`, run.ID, toNanos(run.StartedAt), finished, run.Submitted, run.Completed, run.Failed)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// ListRuns returns runs, most recently started first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	// Create 5-second timeout context
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, submitted, completed, failed
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run      Run
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&run.ID, &started, &finished, &run.Submitted, &run.Completed, &run.Failed); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.StartedAt = fromNanos(started)
		if finished.Valid {
			run.FinishedAt = fromNanos(finished.Int64)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}
