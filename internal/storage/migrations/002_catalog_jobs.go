package migrations

// The catalog job queue. The lease column arrives later in 005; databases
// created before it carry running jobs with no lease, which the claim query
// treats as immediately reclaimable.
const catalogJobs = `
CREATE TABLE IF NOT EXISTS catalog_jobs (
	job_id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	job_type TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 5,
	last_error TEXT,
	next_retry_at TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_catalog_jobs_claimable
	ON catalog_jobs (project_id, status, next_retry_at)
`
