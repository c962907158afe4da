package persistence

import (
	"context"
)

// Timestamps are stored as Unix nanoseconds so that ordering and cursor
// comparisons are exact.

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		key TEXT NOT NULL,
		project_key TEXT NOT NULL,
		epic_key TEXT NOT NULL DEFAULT '',
		story_key TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		story_points INTEGER NOT NULL DEFAULT 0,
		metadata TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE (project_key, key)
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_key, epic_key, story_key);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		relation_type TEXT NOT NULL DEFAULT 'blocks',
		PRIMARY KEY (task_id, depends_on_id, relation_type),
		CHECK (task_id <> depends_on_id),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
		FOREIGN KEY (depends_on_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS task_comments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		category TEXT NOT NULL,
		body TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'open',
		created_at INTEGER NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_comments_open ON task_comments(task_id, category, status);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		command_name TEXT NOT NULL DEFAULT '',
		total_units INTEGER NOT NULL DEFAULT 0,
		completed_units INTEGER NOT NULL DEFAULT 0,
		last_checkpoint_seq INTEGER NOT NULL DEFAULT 0,
		payload TEXT,
		error_summary TEXT NOT NULL DEFAULT '',
		cancel_reason TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		started_at INTEGER,
		finished_at INTEGER,
		CHECK (total_units = 0 OR completed_units <= total_units)
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_workspace ON jobs(workspace_id, created_at);

	CREATE TABLE IF NOT EXISTS job_checkpoints (
		job_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		stage TEXT NOT NULL,
		details TEXT,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (job_id, sequence),
		FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS command_runs (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL DEFAULT '',
		workspace_id TEXT NOT NULL DEFAULT '',
		command_name TEXT NOT NULL,
		args TEXT,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		finished_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS task_runs (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		command_run_id TEXT NOT NULL DEFAULT '',
		task_id TEXT NOT NULL,
		task_key TEXT NOT NULL,
		attempt INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		finished_at INTEGER,
		FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_runs_job ON task_runs(job_id);

	CREATE TABLE IF NOT EXISTS job_logs (
		job_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		timestamp INTEGER NOT NULL,
		level TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		task_id TEXT NOT NULL DEFAULT '',
		task_key TEXT NOT NULL DEFAULT '',
		phase TEXT NOT NULL DEFAULT '',
		details TEXT,
		PRIMARY KEY (job_id, sequence),
		FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS token_usage (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		task_id TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_token_usage_job ON token_usage(job_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
