// Package storage implements the per-project persistent state: a SQLite
// database per project holding versioned role memory, open loops, handoff
// packets, the catalog tables, the catalog job queue, consistency links and
// the sync audit log.
//
// Every project database uses WAL journaling with a bounded busy timeout, so
// concurrent readers coexist with the single writer. Write transactions are
// opened in IMMEDIATE mode (via the driver's _txlock parameter) to take the
// write lock up front and fail fast on contention instead of deadlocking at
// commit time.
package storage

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/untoldecay/memory-hub/internal/errs"
)

// DefaultLeaseSeconds is the job lease window granted on claim.
const DefaultLeaseSeconds = 300

// timeLayout is the canonical stored timestamp format. It is fixed-width so
// that lexicographic comparison in SQL matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000Z"

var projectIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// Store locates per-project databases under a root directory. The zero value
// is not usable; construct with New.
type Store struct {
	rootDir       string
	workspaceRoot string
}

// New creates a Store rooted at rootDir. workspaceRoot overrides the
// workspace used for catalog indexing; when empty the process working
// directory is used.
func New(rootDir, workspaceRoot string) *Store {
	return &Store{rootDir: rootDir, workspaceRoot: workspaceRoot}
}

// DefaultRoot returns ~/.memory-hub, the storage root used when no explicit
// root is configured.
func DefaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".memory-hub"
	}
	return filepath.Join(home, ".memory-hub")
}

// RootDir returns the configured storage root.
func (s *Store) RootDir() string { return s.rootDir }

// DBPath returns the database path for a project, validating the identifier.
func (s *Store) DBPath(projectID string) (string, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return "", err
	}
	return filepath.Join(s.rootDir, "projects", projectID, "memory.db"), nil
}

// ProjectWorkspace resolves the workspace root the caller is operating from.
// The stored binding in project_meta is authoritative; this is only the
// fallback offered for first-use binding and mismatch checks.
func (s *Store) ProjectWorkspace(projectID string) (string, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return "", err
	}
	root := s.workspaceRoot
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to resolve working directory: %w", err)
		}
		root = cwd
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	return abs, nil
}

// Connect opens (creating if absent) the project database, applies pending
// migrations and guarantees the project_meta row exists with memory_version 0.
func (s *Store) Connect(ctx context.Context, projectID string) (*DB, error) {
	dbPath, err := s.DBPath(projectID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create project directory: %w", err)
	}

	dsn := "file:" + dbPath +
		"?_pragma=busy_timeout(3000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(ON)" +
		"&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open project database: %w", err)
	}

	db := &DB{sql: sqlDB, projectID: projectID, path: dbPath}
	if err := db.init(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// ValidateProjectID enforces the project identifier contract: 1-64 chars,
// leading alphanumeric, charset [A-Za-z0-9._-], no "..", no surrounding
// whitespace.
func ValidateProjectID(projectID string) error {
	switch {
	case projectID == "":
		return errs.New(errs.CodeInvalidProjectID, "project_id is required")
	case projectID != strings.TrimSpace(projectID):
		return errs.New(errs.CodeInvalidProjectID, "project_id has leading/trailing whitespace")
	case strings.Contains(projectID, ".."):
		return errs.New(errs.CodeInvalidProjectID, "project_id cannot contain '..'")
	case !projectIDPattern.MatchString(projectID):
		return errs.New(errs.CodeInvalidProjectID, "project_id has invalid characters")
	}
	return nil
}

// IsLocked reports whether err is SQLite lock contention (SQLITE_BUSY or a
// locked database), as opposed to a real failure.
func IsLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "database table is locked")
}

func nowUTC() string {
	return time.Now().UTC().Format(timeLayout)
}

func futureUTC(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return time.Now().UTC().Add(time.Duration(seconds) * time.Second).Format(timeLayout)
}

// NewID returns a prefixed random identifier, e.g. "sync_9f2c…".
func NewID(prefix string) string {
	u := uuid.New()
	return prefix + "_" + hex.EncodeToString(u[:])
}

// querier is satisfied by *sql.DB and *sql.Tx so read helpers work both
// inside and outside write transactions.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
