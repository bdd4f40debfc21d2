package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// SaveRecord saves or replaces a task record and its dependencies.
// Uses ON CONFLICT to make saves idempotent.
func (s *SQLiteStore) SaveRecord(ctx context.Context, rec Record) error {
	// Begin transaction with serializable isolation (BEGIN IMMEDIATE)
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO task_records (run_id, task_id, target, kind, priority, status, error_kind, error, attempts, worker_id, output, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, task_id) DO UPDATE SET
			target = excluded.target,
			kind = excluded.kind,
			priority = excluded.priority,
			status = excluded.status,
			error_kind = excluded.error_kind,
			error = excluded.error,
			attempts = excluded.attempts,
			worker_id = excluded.worker_id,
			output = excluded.output,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at
	`, rec.RunID, rec.TaskID, rec.Target, rec.Kind, rec.Priority, rec.Status, rec.ErrorKind, rec.Error,
		rec.Attempts, rec.WorkerID, string(rec.Output), toNanos(rec.StartedAt), toNanos(rec.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert record: %w", err)
	}

	// Replace dependencies for this record
	_, err = tx.ExecContext(ctx, `DELETE FROM record_dependencies WHERE run_id = ? AND task_id = ?`, rec.RunID, rec.TaskID)
	if err != nil {
		return fmt.Errorf("failed to delete old dependencies: %w", err)
	}
	for _, depID := range rec.Dependencies {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO record_dependencies (run_id, task_id, depends_on_id)
			VALUES (?, ?, ?)
		`, rec.RunID, rec.TaskID, depID)
		if err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", rec.TaskID, depID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const recordColumns = `run_id, task_id, target, kind, priority, status, error_kind, error, attempts, worker_id, output, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec               Record
		errorKind, errStr sql.NullString
		output            sql.NullString
		started, finished int64
	)
	err := row.Scan(&rec.RunID, &rec.TaskID, &rec.Target, &rec.Kind, &rec.Priority, &rec.Status,
		&errorKind, &errStr, &rec.Attempts, &rec.WorkerID, &output, &started, &finished)
	if err != nil {
		return Record{}, err
	}
	rec.ErrorKind = errorKind.String
	rec.Error = errStr.String
	if output.String != "" {
		rec.Output = []byte(output.String)
	}
	rec.StartedAt = fromNanos(started)
	rec.FinishedAt = fromNanos(finished)
	return rec, nil
}

// GetRecord returns the most recently finished record for taskID.
func (s *SQLiteStore) GetRecord(ctx context.Context, taskID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM task_records
		WHERE task_id = ?
		ORDER BY finished_at DESC
		LIMIT 1
	`, taskID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %q: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query record: %w", err)
	}

	if rec.Dependencies, err = s.dependencies(ctx, rec.RunID, rec.TaskID); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListRecords returns records newest first.
func (s *SQLiteStore) ListRecords(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM task_records
		ORDER BY finished_at DESC, task_id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	rows.Close()

	// Load dependencies after the cursor is closed
	for i := range records {
		deps, err := s.dependencies(ctx, records[i].RunID, records[i].TaskID)
		if err != nil {
			return nil, err
		}
		records[i].Dependencies = deps
	}
	return records, nil
}

func (s *SQLiteStore) dependencies(ctx context.Context, runID, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT depends_on_id
		FROM record_dependencies
		WHERE run_id = ? AND task_id = ?
		ORDER BY depends_on_id
	`, runID, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	var deps []string
	for rows.Next() {
		var depID string
		if err := rows.Scan(&depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		deps = append(deps, depID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}
	return deps, nil
}
