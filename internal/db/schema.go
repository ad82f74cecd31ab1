package db

import (
	"context"
	"fmt"

	"github.com/casefill/orchestrator/internal/circuitbreaker"
)

// Timestamps are unix milliseconds and JSON payloads are TEXT so the same
// statements run unchanged on SQLite and PostgreSQL.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		record_id  TEXT NOT NULL,
		context    TEXT NOT NULL,
		version    BIGINT NOT NULL DEFAULT 1,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		expires_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions (expires_at)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_record_id ON sessions (record_id)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		task_id    TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		record_id  TEXT NOT NULL,
		status     TEXT NOT NULL,
		envelope   TEXT NOT NULL,
		result     TEXT,
		error_code TEXT,
		error      TEXT,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		started_at BIGINT,
		expires_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_expires_at ON tasks (expires_at)`,
}

// Migrate creates the tables when they do not exist yet
func Migrate(ctx context.Context, db *circuitbreaker.DatabaseWrapper) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
