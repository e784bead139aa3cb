// Package migrations holds the ordered schema migrations for project
// databases. Each migration is a plain SQL script applied once, in order,
// inside its own transaction; the runner records applied versions in
// schema_migrations and tolerates duplicate-column errors so a
// partially-applied schema converges instead of failing.
package migrations

// Migration is one schema step. Version is the sortable prefix ("000"…)
// recorded in schema_migrations; Name is documentation only.
type Migration struct {
	Version string
	Name    string
	Script  string
}

// All returns every migration in application order. Append only: released
// versions are immutable, fixes go in a new migration.
func All() []Migration {
	return []Migration{
		{Version: "000", Name: "core_schema", Script: coreSchema},
		{Version: "001", Name: "catalog_tables", Script: catalogTables},
		{Version: "002", Name: "catalog_jobs", Script: catalogJobs},
		{Version: "003", Name: "consistency_and_drift", Script: consistencyAndDrift},
		{Version: "004", Name: "sync_audit", Script: syncAudit},
		{Version: "005", Name: "job_lease", Script: jobLease},
		{Version: "006", Name: "sync_audit_rebuild", Script: syncAuditRebuild},
	}
}
