package storage

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	"github.com/untoldecay/memory-hub/internal/errs"
)

// DB is an open handle to one project's database. It is safe for concurrent
// use; SQLite serialises writers and the immediate txlock keeps write
// transactions from deadlocking at commit.
type DB struct {
	sql       *sql.DB
	projectID string
	path      string
}

// ProjectID returns the project this handle is bound to.
func (d *DB) ProjectID() string { return d.projectID }

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// Close releases the underlying connection pool.
func (d *DB) Close() error {
	return d.sql.Close()
}

// BeginWrite opens a write transaction. The connection's txlock is immediate,
// so the write lock is taken up front and contention surfaces here as
// SQLITE_BUSY rather than at commit.
func (d *DB) BeginWrite(ctx context.Context) (*sql.Tx, error) {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin write transaction: %w", err)
	}
	return tx, nil
}

// ExecContext runs a statement outside any transaction. Together with
// QueryContext and QueryRowContext this lets a *DB stand in wherever a write
// helper accepts either a transaction or the bare connection.
func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.sql.ExecContext(ctx, query, args...)
}

// QueryContext runs a query outside any transaction.
func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.sql.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query outside any transaction.
func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.sql.QueryRowContext(ctx, query, args...)
}

// init brings the schema up to date and guarantees the project_meta row.
func (d *DB) init(ctx context.Context) error {
	if err := d.migrate(ctx); err != nil {
		return err
	}

	var version int64
	err := d.sql.QueryRowContext(ctx, "SELECT memory_version FROM project_meta WHERE id = 1").Scan(&version)
	if err == sql.ErrNoRows {
		_, err = d.sql.ExecContext(ctx,
			"INSERT INTO project_meta (id, memory_version, updated_at) VALUES (1, 0, ?)", nowUTC())
		if err != nil {
			return fmt.Errorf("failed to initialize project_meta: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read project_meta: %w", err)
	}
	return nil
}

// ResolveWorkspace returns the workspace root for this project, binding
// fallbackRoot on first use. Once bound, a different fallbackRoot is a
// WORKSPACE_MISMATCH: the catalog must never index a directory other than the
// one the project's memory describes.
func (d *DB) ResolveWorkspace(ctx context.Context, fallbackRoot string) (string, error) {
	resolved, err := filepath.Abs(fallbackRoot)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace root: %w", err)
	}

	var stored sql.NullString
	err = d.sql.QueryRowContext(ctx, "SELECT workspace_root FROM project_meta WHERE id = 1").Scan(&stored)
	if err == sql.ErrNoRows {
		return resolved, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read workspace binding: %w", err)
	}

	if !stored.Valid || stored.String == "" {
		_, err = d.sql.ExecContext(ctx,
			"UPDATE project_meta SET workspace_root = ?, updated_at = ? WHERE id = 1",
			resolved, nowUTC())
		if err != nil {
			return "", fmt.Errorf("failed to bind workspace root: %w", err)
		}
		return resolved, nil
	}

	storedAbs, err := filepath.Abs(stored.String)
	if err != nil {
		return "", fmt.Errorf("failed to resolve stored workspace root: %w", err)
	}
	if storedAbs != resolved {
		return "", errs.Newf(errs.CodeWorkspaceMismatch,
			"project is bound to workspace %s, but current workspace is %s", storedAbs, resolved)
	}
	return storedAbs, nil
}

// MemoryVersion reads the project's current memory version.
func (d *DB) MemoryVersion(ctx context.Context) (int64, error) {
	return memoryVersion(ctx, d.sql)
}

func memoryVersion(ctx context.Context, q querier) (int64, error) {
	var version int64
	err := q.QueryRowContext(ctx, "SELECT memory_version FROM project_meta WHERE id = 1").Scan(&version)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("project_meta is not initialized")
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read memory version: %w", err)
	}
	return version, nil
}

// MemoryVersionTx reads memory_version inside the caller's transaction.
func (d *DB) MemoryVersionTx(ctx context.Context, tx *sql.Tx) (int64, error) {
	return memoryVersion(ctx, tx)
}

// BumpMemoryVersion increments memory_version inside the caller's write
// transaction and returns the new value.
func (d *DB) BumpMemoryVersion(ctx context.Context, tx *sql.Tx) (int64, error) {
	current, err := memoryVersion(ctx, tx)
	if err != nil {
		return 0, err
	}
	next := current + 1
	_, err = tx.ExecContext(ctx,
		"UPDATE project_meta SET memory_version = ?, updated_at = ? WHERE id = 1",
		next, nowUTC())
	if err != nil {
		return 0, fmt.Errorf("failed to bump memory version: %w", err)
	}
	return next, nil
}
