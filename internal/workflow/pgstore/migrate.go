package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS flowengine_definitions (
		id TEXT NOT NULL,
		version INTEGER NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		tags TEXT[] NOT NULL DEFAULT '{}',
		tenant_id TEXT NOT NULL DEFAULT '',
		is_draft BOOLEAN NOT NULL,
		is_published BOOLEAN NOT NULL,
		is_active BOOLEAN NOT NULL,
		payload JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		published_at TIMESTAMPTZ,
		PRIMARY KEY (id, version)
	)`,
	// At most one published version per definition.
	`CREATE UNIQUE INDEX IF NOT EXISTS flowengine_definitions_published
		ON flowengine_definitions (id) WHERE is_published`,
	`CREATE TABLE IF NOT EXISTS flowengine_instances (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		tenant_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		correlation_id TEXT NOT NULL DEFAULT '',
		bookmarks TEXT[] NOT NULL DEFAULT '{}',
		revision BIGINT NOT NULL,
		payload JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		scheduled_start_time TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS flowengine_instances_due
		ON flowengine_instances (priority DESC, scheduled_start_time) WHERE status = 'Scheduled'`,
	`CREATE INDEX IF NOT EXISTS flowengine_instances_workflow ON flowengine_instances (workflow_id, version)`,
	`CREATE INDEX IF NOT EXISTS flowengine_instances_correlation ON flowengine_instances (correlation_id) WHERE correlation_id <> ''`,
	`CREATE INDEX IF NOT EXISTS flowengine_instances_bookmarks ON flowengine_instances USING GIN (bookmarks)`,
	`CREATE TABLE IF NOT EXISTS flowengine_history (
		instance_id TEXT NOT NULL REFERENCES flowengine_instances (id) ON DELETE CASCADE,
		sequence BIGINT NOT NULL,
		id TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		kind TEXT NOT NULL,
		activity_id TEXT NOT NULL DEFAULT '',
		activity_kind TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		details JSONB,
		PRIMARY KEY (instance_id, sequence)
	)`,
	`CREATE INDEX IF NOT EXISTS flowengine_history_ts ON flowengine_history (instance_id, ts, sequence)`,
}

// Migrate creates the schema. Every statement is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range migrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}
