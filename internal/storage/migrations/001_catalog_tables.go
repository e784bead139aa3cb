package migrations

// Catalog snapshot tables: the per-project meta singleton, indexed files and
// import edges. Snapshots are replaced wholesale, so no foreign keys between
// files and edges.
const catalogTables = `
CREATE TABLE IF NOT EXISTS catalog_meta (
	project_id TEXT PRIMARY KEY,
	catalog_version TEXT NOT NULL,
	source_root TEXT NOT NULL,
	total_files INTEGER NOT NULL DEFAULT 0,
	indexed_files INTEGER NOT NULL DEFAULT 0,
	coverage_pct REAL NOT NULL DEFAULT 0,
	last_indexed_at TEXT,
	last_full_rebuild TEXT,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS catalog_files (
	project_id TEXT NOT NULL,
	file_path TEXT NOT NULL,
	file_hash TEXT NOT NULL,
	language TEXT NOT NULL,
	import_count INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (project_id, file_path)
);

CREATE TABLE IF NOT EXISTS catalog_edges (
	edge_id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	from_file TEXT NOT NULL,
	to_module TEXT NOT NULL,
	edge_type TEXT NOT NULL DEFAULT 'import',
	confidence REAL NOT NULL,
	source_type TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_catalog_edges_confidence
	ON catalog_edges (project_id, confidence DESC, from_file ASC)
`
