package store

import (
	"context"
	"database/sql"
	"fmt"
)

// schema contains the DDL for all tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id           TEXT PRIMARY KEY,
		status       TEXT NOT NULL DEFAULT 'RUNNING',
		started_at   TEXT NOT NULL,
		completed_at TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS tasks (
		id           TEXT PRIMARY KEY,
		sample       TEXT NOT NULL,
		template     TEXT NOT NULL,
		run_id       TEXT NOT NULL DEFAULT '',
		state        TEXT NOT NULL DEFAULT 'PENDING',
		command_hash TEXT NOT NULL DEFAULT '',
		log_path     TEXT NOT NULL DEFAULT '',
		exit_code    INTEGER,
		error        TEXT NOT NULL DEFAULT '',
		started_at   TEXT,
		completed_at TEXT,
		updated_at   TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS artifacts (
		path      TEXT PRIMARY KEY,
		producer  TEXT NOT NULL,
		present   INTEGER NOT NULL DEFAULT 0,
		mod_time  TEXT,
		size      INTEGER NOT NULL DEFAULT 0,
		transient INTEGER NOT NULL DEFAULT 0,
		removed   INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_sample ON tasks(sample)`,
	`CREATE INDEX IF NOT EXISTS idx_artifacts_producer ON artifacts(producer)`,
}

// migrate executes all schema DDL statements.
func migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}
