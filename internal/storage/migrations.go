package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/untoldecay/memory-hub/internal/storage/migrations"
)

// migrate applies any unapplied migrations, each in its own immediate
// transaction and recorded in schema_migrations. Re-running over an
// up-to-date database is a no-op.
func (d *DB) migrate(ctx context.Context) error {
	_, err := d.sql.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	if err := d.healHalfMigrated(ctx); err != nil {
		return err
	}

	applied, err := d.appliedVersions(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations.All() {
		if applied[m.Version] {
			continue
		}
		if err := d.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("failed to apply migration %s (%s): %w", m.Version, m.Name, err)
		}
	}
	return nil
}

func (d *DB) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := d.sql.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating migrations: %w", err)
	}
	return applied, nil
}

func (d *DB) applyMigration(ctx context.Context, m migrations.Migration) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration transaction: %w", err)
	}
	defer tx.Rollback()

	for _, statement := range splitStatements(m.Script) {
		if _, err := tx.ExecContext(ctx, statement); err != nil {
			// Tolerate re-adding a column that a partially-applied schema
			// already has; every other failure aborts the migration.
			if strings.Contains(strings.ToLower(err.Error()), "duplicate column name") {
				continue
			}
			return fmt.Errorf("failed to execute statement: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
		m.Version, nowUTC())
	if err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}

// healHalfMigrated repairs the state left by a crash inside the sync_audit
// rebuild: the old table dropped, the new one not yet renamed.
func (d *DB) healHalfMigrated(ctx context.Context) error {
	tables := make(map[string]bool)
	rows, err := d.sql.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table'")
	if err != nil {
		return fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("failed to scan table name: %w", err)
		}
		tables[name] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating tables: %w", err)
	}

	if tables["sync_audit_new"] && !tables["sync_audit"] {
		if _, err := d.sql.ExecContext(ctx, "ALTER TABLE sync_audit_new RENAME TO sync_audit"); err != nil {
			return fmt.Errorf("failed to heal sync_audit rename: %w", err)
		}
		_, err := d.sql.ExecContext(ctx,
			"CREATE INDEX IF NOT EXISTS idx_sync_audit_project_time ON sync_audit (project_id, created_at DESC)")
		if err != nil {
			return fmt.Errorf("failed to recreate sync_audit index: %w", err)
		}
	}
	return nil
}

func splitStatements(script string) []string {
	var statements []string
	for _, chunk := range strings.Split(script, ";") {
		statement := strings.TrimSpace(chunk)
		if statement == "" {
			continue
		}
		statements = append(statements, statement)
	}
	return statements
}
