// Package types holds the shared domain types for the memory hub: role
// memory, open loops, handoff packets, the catalog tables and the job queue.
// Role-memory values are opaque JSON blobs; nothing in this module inspects
// them beyond storing and returning the raw bytes.
package types

import "encoding/json"

// Roles recognised as memory namespaces.
const (
	RolePM        = "pm"
	RoleArchitect = "architect"
	RoleDev       = "dev"
	RoleQA        = "qa"
)

// Task types produced by the policy classifier.
const (
	TaskPlanning  = "planning"
	TaskDesign    = "design"
	TaskImplement = "implement"
	TaskTest      = "test"
	TaskReview    = "review"
	TaskAuto      = "auto"
)

// Catalog job lifecycle.
const (
	JobPending = "pending"
	JobRunning = "running"
	JobDone    = "done"
	JobFailed  = "failed"
)

// Consistency between memory and catalog versions.
const (
	ConsistencyOK       = "ok"
	ConsistencyDegraded = "degraded"
	ConsistencyUnknown  = "unknown"
)

// JobIncrementalRefresh is the only job type currently enqueued; the queue
// schema carries the type so future rebuild variants share the table.
const JobIncrementalRefresh = "incremental_refresh"

// RoleDelta is one validated role write from a push payload.
type RoleDelta struct {
	Role       string          `json:"role"`
	MemoryKey  string          `json:"memory_key"`
	Value      json.RawMessage `json:"value"`
	Confidence float64         `json:"confidence"`
	SourceRefs json.RawMessage `json:"source_refs,omitempty"`
}

// NewOpenLoop is a loop to open, from a push payload.
type NewOpenLoop struct {
	LoopID    string
	Title     string
	Details   string
	Priority  int
	OwnerRole string
}

// LoopRef identifies an open loop to close, by id or by title.
type LoopRef struct {
	LoopID string
	Title  string
}

// InsertedLoop echoes a newly opened loop in the push response.
type InsertedLoop struct {
	LoopID   string `json:"loop_id"`
	Title    string `json:"title"`
	Priority int    `json:"priority"`
}

// RoleItem is one (memory_key, value) entry from role_state_current.
type RoleItem struct {
	MemoryKey       string          `json:"memory_key"`
	Value           json.RawMessage `json:"value"`
	Confidence      float64         `json:"confidence"`
	Version         int64           `json:"version"`
	UpdatedAt       string          `json:"updated_at"`
	UpdatedByClient string          `json:"updated_by_client"`
	SourceRefs      json.RawMessage `json:"source_refs"`
}

// RolePayload groups the most recently updated items for one role.
type RolePayload struct {
	Role  string     `json:"role"`
	Items []RoleItem `json:"items"`
}

// OpenLoop is a tracked unfinished thread. Priority 1 is highest.
type OpenLoop struct {
	LoopID    string `json:"loop_id"`
	Title     string `json:"title"`
	Details   string `json:"details,omitempty"`
	Priority  int    `json:"priority"`
	OwnerRole string `json:"owner_role,omitempty"`
	CreatedAt string `json:"created_at"`
}

// Handoff is the latest non-expired handoff packet surfaced on pull.
type Handoff struct {
	HandoffID       string          `json:"handoff_id"`
	SessionID       string          `json:"session_id"`
	Summary         json.RawMessage `json:"summary"`
	TTLExpiresAt    string          `json:"ttl_expires_at"`
	CreatedAt       string          `json:"created_at"`
	CreatedByClient string          `json:"created_by_client"`
	MemoryVersion   int64           `json:"memory_version"`
}

// ConsistencyStamp binds a memory version to the catalog version observed at
// the same moment. Clients echo it back as the context stamp on push.
type ConsistencyStamp struct {
	MemoryVersion  int64  `json:"memory_version"`
	CatalogVersion string `json:"catalog_version"`
	Consistency    string `json:"consistency"`
}

// ConsistencyInfo is the latest consistency_links row (or a synthesized
// unknown state when the project has never linked).
type ConsistencyInfo struct {
	MemoryVersion     int64  `json:"memory_version"`
	CatalogVersion    string `json:"catalog_version"`
	ConsistencyStatus string `json:"consistency_status"`
	CreatedAt         string `json:"created_at,omitempty"`
}

// Conflict describes one (role, memory_key) written past the caller's base
// version. "Theirs" is the newest competing value.
type Conflict struct {
	Role            string          `json:"role"`
	MemoryKey       string          `json:"memory_key"`
	BaseVersion     int64           `json:"base_version"`
	CurrentVersion  int64           `json:"current_version"`
	Theirs          json.RawMessage `json:"theirs"`
	UpdatedAt       string          `json:"updated_at"`
	UpdatedByClient string          `json:"updated_by_client"`
	VersionID       string          `json:"version_id"`
}

// CurrentValue is the live role_state_current row for one key.
type CurrentValue struct {
	Value           json.RawMessage `json:"value"`
	Confidence      float64         `json:"confidence"`
	Version         int64           `json:"version"`
	UpdatedAt       string          `json:"updated_at"`
	UpdatedByClient string          `json:"updated_by_client"`
}

// CatalogMeta is the per-project catalog singleton.
type CatalogMeta struct {
	ProjectID       string  `json:"project_id"`
	CatalogVersion  string  `json:"catalog_version"`
	SourceRoot      string  `json:"source_root"`
	TotalFiles      int     `json:"total_files"`
	IndexedFiles    int     `json:"indexed_files"`
	CoveragePct     float64 `json:"coverage_pct"`
	LastIndexedAt   string  `json:"last_indexed_at"`
	LastFullRebuild string  `json:"last_full_rebuild,omitempty"`
	UpdatedAt       string  `json:"updated_at"`
}

// CatalogFile is one indexed workspace file.
type CatalogFile struct {
	FilePath    string `json:"file_path"`
	FileHash    string `json:"file_hash"`
	Language    string `json:"language"`
	ImportCount int    `json:"import_count"`
	UpdatedAt   string `json:"updated_at,omitempty"`
}

// CatalogEdge is a directed import edge from a file to a module name.
type CatalogEdge struct {
	FromFile   string  `json:"from_file"`
	ToModule   string  `json:"to_module"`
	EdgeType   string  `json:"edge_type"`
	Confidence float64 `json:"confidence"`
	SourceType string  `json:"source_type"`
	UpdatedAt  string  `json:"updated_at,omitempty"`
}

// Snapshot is the output of one indexer run over a workspace.
type Snapshot struct {
	WorkspaceRoot string        `json:"workspace_root"`
	Files         []CatalogFile `json:"files"`
	Edges         []CatalogEdge `json:"edges"`
	FullRebuild   bool          `json:"full_rebuild"`
}

// CatalogJob is a queued catalog refresh. A running job is owned by exactly
// one worker until its lease expires.
type CatalogJob struct {
	JobID       string          `json:"job_id"`
	ProjectID   string          `json:"project_id"`
	JobType     string          `json:"job_type"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	NextRetryAt string          `json:"next_retry_at,omitempty"`
}

// JobPayload is the decoded payload of an incremental_refresh job.
type JobPayload struct {
	FilesTouched  []string `json:"files_touched,omitempty"`
	MemoryVersion int64    `json:"memory_version,omitempty"`
	SyncID        string   `json:"sync_id,omitempty"`
	SessionID     string   `json:"session_id,omitempty"`
	Reason        string   `json:"reason,omitempty"`
}

// DriftReport is the latest workspace-vs-index drift measurement.
type DriftReport struct {
	ReportID     string   `json:"report_id,omitempty"`
	Method       string   `json:"method"`
	ChangedFiles []string `json:"changed_files"`
	DriftScore   float64  `json:"drift_score"`
	TotalFiles   int      `json:"total_files"`
	CreatedAt    string   `json:"created_at,omitempty"`
}

// AuditEntry is one sync_audit row.
type AuditEntry struct {
	SyncID    string          `json:"sync_id"`
	ProjectID string          `json:"project_id"`
	Direction string          `json:"direction"`
	ClientID  string          `json:"client_id"`
	SessionID string          `json:"session_id"`
	Request   json.RawMessage `json:"request"`
	Response  json.RawMessage `json:"response"`
	ErrorCode string          `json:"error_code,omitempty"`
	LatencyMS int64           `json:"latency_ms"`
	CreatedAt string          `json:"created_at"`
}

// CatalogHealth is the freshness/coverage/consistency report.
type CatalogHealth struct {
	Freshness         string  `json:"freshness"`
	CatalogVersion    string  `json:"catalog_version"`
	TotalFiles        int     `json:"total_files"`
	IndexedFiles      int     `json:"indexed_files"`
	CoveragePct       float64 `json:"coverage_pct"`
	Coverage          float64 `json:"coverage"`
	PendingJobs       int     `json:"pending_jobs"`
	LastFullRebuild   string  `json:"last_full_rebuild,omitempty"`
	DriftScore        float64 `json:"drift_score"`
	ConsistencyStatus string  `json:"consistency_status"`
}

// BatchStats summarises one worker batch.
type BatchStats struct {
	Processed    int `json:"processed"`
	Succeeded    int `json:"succeeded"`
	Failed       int `json:"failed"`
	LockFailures int `json:"lock_failures"`
}
