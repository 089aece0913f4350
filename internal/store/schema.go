package store

import (
	"context"
	"fmt"

	"github.com/brendanlong/burrow-runtime/internal/common/database"
)

// EnsureSchema creates every table this package needs if absent, and adds
// any columns a prior version of the schema is missing — additive,
// idempotent, never destructive. There is no down-migration path; this is
// deliberately not a migration framework.
func EnsureSchema(ctx context.Context, db *database.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id               TEXT PRIMARY KEY,
			display_name     TEXT NOT NULL,
			repo_owner       TEXT NOT NULL,
			repo_name        TEXT NOT NULL,
			branch           TEXT NOT NULL,
			initial_prompt   TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL,
			container_id     TEXT NOT NULL DEFAULT '',
			workspace_volume TEXT NOT NULL DEFAULT '',
			created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			sequence   BIGINT NOT NULL,
			type       TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (session_id, sequence)
		)`,
		`CREATE INDEX IF NOT EXISTS messages_session_sequence_idx ON messages (session_id, sequence)`,
		`CREATE TABLE IF NOT EXISTS agent_executions (
			session_id    TEXT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
			container_id  TEXT NOT NULL,
			exec_id       TEXT NOT NULL,
			output_file   TEXT NOT NULL,
			last_sequence BIGINT NOT NULL DEFAULT -1,
			pid           INTEGER NOT NULL DEFAULT 0,
			last_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			last_usage    TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS auth_sessions (
			token         TEXT PRIMARY KEY,
			device_label  TEXT NOT NULL DEFAULT '',
			expires_at    TIMESTAMPTZ NOT NULL,
			last_activity TIMESTAMPTZ NOT NULL DEFAULT now(),
			revoked_at    TIMESTAMPTZ,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}

	// additive columns for deployments created before last_cost_usd/last_usage
	// existed.
	alters := []string{
		`ALTER TABLE agent_executions ADD COLUMN IF NOT EXISTS last_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0`,
		`ALTER TABLE agent_executions ADD COLUMN IF NOT EXISTS last_usage TEXT NOT NULL DEFAULT ''`,
	}
	for _, stmt := range alters {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema alter: %w", err)
		}
	}

	return nil
}
