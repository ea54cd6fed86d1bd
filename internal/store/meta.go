package store

import (
	"context"
	"database/sql"
	"fmt"
)

// EnsureMeta creates the reserved control-plane schema and its tables.
// The meta schema is never cloned and never exposed as a runtime
// environment. Statements are idempotent so startup can run this
// unconditionally.
func EnsureMeta(ctx context.Context, db *sql.DB, metaSchema string) error {
	statements := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %q`, metaSchema),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %q.environments (
				id TEXT PRIMARY KEY,
				service TEXT NOT NULL,
				name TEXT NOT NULL,
				version TEXT NOT NULL DEFAULT 'v1',
				owner_scope TEXT NOT NULL DEFAULT 'global',
				owner_org_id INTEGER,
				owner_user_id INTEGER,
				kind TEXT NOT NULL DEFAULT 'schema',
				location TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				CONSTRAINT uq_environments_identity UNIQUE (service, owner_scope, owner_org_id, owner_user_id, name, version)
			)
		`, metaSchema),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %q.runtime_environments (
				id TEXT PRIMARY KEY,
				template_id TEXT REFERENCES %q.environments(id),
				schema_name TEXT NOT NULL UNIQUE,
				status TEXT NOT NULL DEFAULT 'initializing',
				permanent BOOLEAN NOT NULL DEFAULT FALSE,
				expires_at TIMESTAMPTZ,
				max_idle_seconds INTEGER,
				last_used_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)
		`, metaSchema, metaSchema),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %q.users (
				id SERIAL PRIMARY KEY,
				email TEXT NOT NULL UNIQUE,
				is_platform_admin BOOLEAN NOT NULL DEFAULT FALSE,
				is_organization_admin BOOLEAN NOT NULL DEFAULT FALSE
			)
		`, metaSchema),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %q.organization_memberships (
				user_id INTEGER NOT NULL REFERENCES %q.users(id),
				organization_id INTEGER NOT NULL,
				PRIMARY KEY (user_id, organization_id)
			)
		`, metaSchema, metaSchema),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %q.api_keys (
				id TEXT PRIMARY KEY,
				key_hash TEXT NOT NULL,
				key_salt TEXT NOT NULL,
				user_id INTEGER NOT NULL REFERENCES %q.users(id),
				expires_at TIMESTAMPTZ,
				revoked_at TIMESTAMPTZ,
				last_used_at TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)
		`, metaSchema, metaSchema),
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin meta bootstrap: %w", err)
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("meta bootstrap: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit meta bootstrap: %w", err)
	}
	return nil
}
