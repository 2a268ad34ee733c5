package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS missions (
		id TEXT PRIMARY KEY,
		objective TEXT NOT NULL,
		branch TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		finished_at TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS tasks (
		mission_id TEXT NOT NULL,
		id TEXT NOT NULL,
		position INTEGER NOT NULL,
		description TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		expected_output TEXT NOT NULL DEFAULT '',
		complexity TEXT NOT NULL DEFAULT '',
		review_of TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (mission_id, id),
		FOREIGN KEY (mission_id) REFERENCES missions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		mission_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (mission_id, task_id, depends_on_id),
		FOREIGN KEY (mission_id, task_id) REFERENCES tasks(mission_id, id) ON DELETE CASCADE,
		FOREIGN KEY (mission_id, depends_on_id) REFERENCES tasks(mission_id, id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS status_records (
		mission_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		status TEXT NOT NULL,
		iteration INTEGER NOT NULL DEFAULT 0,
		attempt INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		output TEXT NOT NULL DEFAULT '',
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		started_at TEXT NOT NULL DEFAULT '',
		finished_at TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL,
		PRIMARY KEY (mission_id, task_id),
		FOREIGN KEY (mission_id, task_id) REFERENCES tasks(mission_id, id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS feedback (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		mission_id TEXT NOT NULL,
		writer_id TEXT NOT NULL,
		reviewer_id TEXT NOT NULL,
		result TEXT NOT NULL,
		iteration INTEGER NOT NULL,
		feedback TEXT NOT NULL,
		severity TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		FOREIGN KEY (mission_id, writer_id) REFERENCES tasks(mission_id, id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_feedback_writer ON feedback(mission_id, writer_id, id);

	CREATE TABLE IF NOT EXISTS publications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		mission_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		task_id TEXT NOT NULL DEFAULT '',
		branch TEXT NOT NULL DEFAULT '',
		ref TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		FOREIGN KEY (mission_id) REFERENCES missions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_publications_mission ON publications(mission_id, id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
