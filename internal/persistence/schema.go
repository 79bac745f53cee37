package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist. Times are
// stored as Unix nanoseconds.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		group_name TEXT NOT NULL DEFAULT '',
		workers INTEGER NOT NULL DEFAULT 0,
		stacks TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL DEFAULT 0,
		stopped_at INTEGER,
		finished INTEGER NOT NULL DEFAULT 0,
		aborted INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);

	CREATE TABLE IF NOT EXISTS buffers (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		commands INTEGER NOT NULL DEFAULT 0,
		spawned INTEGER NOT NULL DEFAULT 0,
		status INTEGER NOT NULL DEFAULT 0,
		submitted_at INTEGER NOT NULL DEFAULT 0,
		completed_at INTEGER,
		duration_ns INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_buffers_run_id ON buffers(run_id, submitted_at);

	CREATE TABLE IF NOT EXISTS tasks (
		buffer_id TEXT NOT NULL,
		handle TEXT NOT NULL,
		run_id TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 0,
		worker INTEGER NOT NULL DEFAULT -1,
		stack_size INTEGER NOT NULL DEFAULT 0,
		status INTEGER NOT NULL DEFAULT 0,
		panic TEXT NOT NULL DEFAULT '',
		spawned_at INTEGER NOT NULL DEFAULT 0,
		finished_at INTEGER,
		duration_ns INTEGER,
		PRIMARY KEY (buffer_id, handle)
	);

	CREATE TABLE IF NOT EXISTS stack_exhaustion (
		run_id TEXT NOT NULL,
		size INTEGER NOT NULL,
		at INTEGER NOT NULL,
		count INTEGER NOT NULL,
		PRIMARY KEY (run_id, size, at)
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
