// Package memoryhub provides a minimal public API for embedding the memory
// hub in other Go programs.
//
// Most integrations should talk to a running memory-hubd over JSON-RPC. This
// package exports only the types and constructors needed to use the storage,
// session and catalog layers programmatically, for example from a custom
// daemon or test harness.
package memoryhub

import (
	"time"

	"github.com/untoldecay/memory-hub/internal/catalog"
	"github.com/untoldecay/memory-hub/internal/errs"
	"github.com/untoldecay/memory-hub/internal/session"
	"github.com/untoldecay/memory-hub/internal/storage"
	"github.com/untoldecay/memory-hub/internal/types"
)

// Store locates per-project SQLite databases under a root directory.
type Store = storage.Store

// Engine implements the session sync protocol: pull, push, conflict
// resolution and the audit list.
type Engine = session.Engine

// CatalogService builds and serves workspace catalog briefs, and runs the
// catalog job queue.
type CatalogService = catalog.Service

// BusinessError is the structured error returned for protocol violations.
type BusinessError = errs.BusinessError

// NewStore creates a Store rooted at rootDir. workspaceRoot overrides the
// workspace used for catalog indexing; empty means the working directory.
func NewStore(rootDir, workspaceRoot string) *Store {
	return storage.New(rootDir, workspaceRoot)
}

// NewCatalogService creates a catalog service with a brief cache of the given
// capacity and entry lifetime.
func NewCatalogService(store *Store, cacheSize int, cacheTTL time.Duration) *CatalogService {
	return catalog.NewService(store, cacheSize, cacheTTL)
}

// NewEngine creates a session engine on top of a store and catalog service.
func NewEngine(store *Store, catalogService *CatalogService) *Engine {
	return session.NewEngine(store, catalogService)
}

// DefaultRoot returns the storage root used when none is configured.
func DefaultRoot() string {
	return storage.DefaultRoot()
}

// ValidateProjectID enforces the project identifier contract.
func ValidateProjectID(projectID string) error {
	return storage.ValidateProjectID(projectID)
}

// Core types from internal/types.
type (
	RoleDelta     = types.RoleDelta
	RolePayload   = types.RolePayload
	RoleItem      = types.RoleItem
	OpenLoop      = types.OpenLoop
	Handoff       = types.Handoff
	Conflict      = types.Conflict
	CatalogJob    = types.CatalogJob
	CatalogHealth = types.CatalogHealth
	DriftReport   = types.DriftReport
	AuditEntry    = types.AuditEntry
	BatchStats    = types.BatchStats
)

// JobIncrementalRefresh is the catalog job type enqueued by pushes, watcher
// events and stale-pull refreshes.
const JobIncrementalRefresh = types.JobIncrementalRefresh

// Consistency status constants.
const (
	ConsistencyOK       = types.ConsistencyOK
	ConsistencyDegraded = types.ConsistencyDegraded
	ConsistencyUnknown  = types.ConsistencyUnknown
)
