package migrations

// Rebuilds sync_audit without the direction CHECK (error audits use other
// direction values) and with error_code/latency_ms columns. SQLite cannot
// drop a CHECK in place, so this is a copy-drop-rename; a crash between DROP
// and RENAME leaves only sync_audit_new, which the runner heals at open.
const syncAuditRebuild = `
CREATE TABLE IF NOT EXISTS sync_audit_new (
	sync_id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	direction TEXT NOT NULL,
	client_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	request_json TEXT NOT NULL,
	response_json TEXT NOT NULL,
	error_code TEXT,
	latency_ms INTEGER,
	created_at TEXT NOT NULL
);

INSERT INTO sync_audit_new (
	sync_id, project_id, direction, client_id, session_id,
	request_json, response_json, error_code, latency_ms, created_at
)
SELECT sync_id, project_id, direction, client_id, session_id,
	request_json, response_json, NULL, NULL, created_at
FROM sync_audit;

DROP TABLE sync_audit;

ALTER TABLE sync_audit_new RENAME TO sync_audit;

CREATE INDEX IF NOT EXISTS idx_sync_audit_project_time
	ON sync_audit (project_id, created_at DESC)
`
