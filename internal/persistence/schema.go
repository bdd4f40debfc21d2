package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
// Timestamps are stored as Unix nanoseconds so ordering is exact.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS task_records (
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		target TEXT NOT NULL,
		kind TEXT NOT NULL,
		priority TEXT NOT NULL,
		status TEXT NOT NULL,
		error_kind TEXT,
		error TEXT,
		attempts INTEGER NOT NULL,
		worker_id INTEGER NOT NULL,
		output TEXT,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL,
		PRIMARY KEY (run_id, task_id)
	);

	CREATE INDEX IF NOT EXISTS idx_task_records_finished
		ON task_records(finished_at);

	CREATE INDEX IF NOT EXISTS idx_task_records_task
		ON task_records(task_id, finished_at);

	CREATE TABLE IF NOT EXISTS record_dependencies (
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		PRIMARY KEY (run_id, task_id, depends_on_id)
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL,
		finished_at INTEGER,
		submitted INTEGER NOT NULL,
		completed INTEGER NOT NULL,
		failed INTEGER NOT NULL
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
