package migrations

// Adds the crash-recovery lease to catalog_jobs. The runner ignores the
// duplicate-column error when a database already has it.
const jobLease = `
ALTER TABLE catalog_jobs ADD COLUMN lease_expires_at TEXT
`
