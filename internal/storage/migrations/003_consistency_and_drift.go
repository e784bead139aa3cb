package migrations

// Consistency links bind a memory version to the catalog version observed at
// the same moment; drift reports record workspace-vs-index divergence.
const consistencyAndDrift = `
CREATE TABLE IF NOT EXISTS consistency_links (
	link_id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	sync_id TEXT NOT NULL,
	memory_version INTEGER NOT NULL,
	catalog_version TEXT NOT NULL,
	consistency_status TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_consistency_links_recency
	ON consistency_links (project_id, created_at DESC);

CREATE TABLE IF NOT EXISTS drift_reports (
	report_id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	method TEXT NOT NULL,
	drift_score REAL NOT NULL,
	details_json TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_drift_reports_recency
	ON drift_reports (project_id, created_at DESC)
`
