package migrations

// Core memory tables: the per-project version counter, current role state,
// the append-only version history, open loops and handoff packets.
const coreSchema = `
CREATE TABLE IF NOT EXISTS project_meta (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	memory_version INTEGER NOT NULL DEFAULT 0,
	workspace_root TEXT,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS role_state_current (
	project_id TEXT NOT NULL,
	role TEXT NOT NULL,
	memory_key TEXT NOT NULL,
	value_json TEXT NOT NULL,
	confidence REAL NOT NULL DEFAULT 0.8,
	version INTEGER NOT NULL,
	updated_at TEXT NOT NULL,
	updated_by_client TEXT NOT NULL,
	source_refs_json TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (project_id, role, memory_key)
);

CREATE INDEX IF NOT EXISTS idx_role_state_current_recency
	ON role_state_current (project_id, role, updated_at DESC);

CREATE TABLE IF NOT EXISTS role_state_versions (
	version_id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	role TEXT NOT NULL,
	memory_key TEXT NOT NULL,
	value_json TEXT NOT NULL,
	confidence REAL NOT NULL DEFAULT 0.8,
	created_at TEXT NOT NULL,
	created_by_client TEXT NOT NULL,
	source_refs_json TEXT NOT NULL DEFAULT '[]',
	supersedes_version_id TEXT,
	memory_version INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_role_state_versions_key
	ON role_state_versions (project_id, role, memory_key, memory_version DESC);

CREATE TABLE IF NOT EXISTS open_loops (
	loop_id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	title TEXT NOT NULL,
	details TEXT,
	status TEXT NOT NULL DEFAULT 'open',
	priority INTEGER NOT NULL DEFAULT 3,
	owner_role TEXT,
	created_at TEXT NOT NULL,
	created_by_client TEXT NOT NULL,
	closed_at TEXT,
	closed_by_client TEXT,
	memory_version INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_open_loops_open
	ON open_loops (project_id, status, priority ASC, created_at ASC);

CREATE TABLE IF NOT EXISTS handoff_packets (
	handoff_id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	summary_json TEXT NOT NULL,
	ttl_expires_at TEXT NOT NULL,
	created_at TEXT NOT NULL,
	created_by_client TEXT NOT NULL,
	memory_version INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_handoff_packets_recency
	ON handoff_packets (project_id, created_at DESC)
`
