package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		parent_id TEXT,
		project_id TEXT NOT NULL,
		priority INTEGER NOT NULL,
		status INTEGER NOT NULL,
		retry_count INTEGER NOT NULL,
		max_retries INTEGER NOT NULL,
		critical INTEGER NOT NULL,
		deadline DATETIME,
		result TEXT,
		error TEXT,
		cancel_reason TEXT,
		context TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id, status);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		PRIMARY KEY (task_id, depends_on_id),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_dependencies_task_id ON task_dependencies(task_id);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		iteration INTEGER NOT NULL,
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		tokens INTEGER NOT NULL DEFAULT 0,
		turns INTEGER NOT NULL DEFAULT 0,
		cost REAL NOT NULL DEFAULT 0,
		metadata TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_task ON sessions(task_id, iteration);

	CREATE TABLE IF NOT EXISTS quality_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		overall REAL NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_quality_snapshots_project
		ON quality_snapshots(project_id, created_at);

	CREATE TABLE IF NOT EXISTS breakpoint_events (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		task_id TEXT,
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		context TEXT,
		status TEXT NOT NULL,
		resolution TEXT,
		triggered_at DATETIME NOT NULL,
		resolved_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_breakpoint_events_project
		ON breakpoint_events(project_id, triggered_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
