package migrations

// First revision of the audit log. The direction CHECK and missing
// error_code/latency_ms columns are corrected by the 006 rebuild; this
// script is kept as released so old databases replay history identically.
const syncAudit = `
CREATE TABLE IF NOT EXISTS sync_audit (
	sync_id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	direction TEXT NOT NULL CHECK (direction IN ('pull', 'push', 'resolve_conflict')),
	client_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	request_json TEXT NOT NULL,
	response_json TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sync_audit_project_time
	ON sync_audit (project_id, created_at DESC)
`
