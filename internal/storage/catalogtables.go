package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"

	"github.com/untoldecay/memory-hub/internal/types"
)

// CatalogMeta returns the catalog singleton, or nil when the project has
// never been indexed.
func (d *DB) CatalogMeta(ctx context.Context) (*types.CatalogMeta, error) {
	return catalogMeta(ctx, d.sql, d.projectID)
}

func catalogMeta(ctx context.Context, q querier, projectID string) (*types.CatalogMeta, error) {
	var meta types.CatalogMeta
	var lastIndexedAt, lastFullRebuild sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT project_id, catalog_version, source_root, total_files, indexed_files, coverage_pct,
			last_indexed_at, last_full_rebuild, updated_at
		FROM catalog_meta
		WHERE project_id = ?`,
		projectID).Scan(
		&meta.ProjectID, &meta.CatalogVersion, &meta.SourceRoot, &meta.TotalFiles,
		&meta.IndexedFiles, &meta.CoveragePct, &lastIndexedAt, &lastFullRebuild, &meta.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog meta: %w", err)
	}
	meta.LastIndexedAt = lastIndexedAt.String
	meta.LastFullRebuild = lastFullRebuild.String
	return &meta, nil
}

// CatalogVersionFromSnapshot derives the deterministic catalog version: a
// sha256 over files sorted by path, then edges sorted by
// (from, to, source_type). Equal snapshots always hash equal regardless of
// walk order.
func CatalogVersionFromSnapshot(files []types.CatalogFile, edges []types.CatalogEdge) string {
	sortedFiles := make([]types.CatalogFile, len(files))
	copy(sortedFiles, files)
	sort.Slice(sortedFiles, func(i, j int) bool {
		return sortedFiles[i].FilePath < sortedFiles[j].FilePath
	})

	sortedEdges := make([]types.CatalogEdge, len(edges))
	copy(sortedEdges, edges)
	sort.Slice(sortedEdges, func(i, j int) bool {
		a, b := sortedEdges[i], sortedEdges[j]
		if a.FromFile != b.FromFile {
			return a.FromFile < b.FromFile
		}
		if a.ToModule != b.ToModule {
			return a.ToModule < b.ToModule
		}
		return a.SourceType < b.SourceType
	})

	hasher := sha256.New()
	for _, file := range sortedFiles {
		hasher.Write([]byte(file.FilePath))
		hasher.Write([]byte(file.FileHash))
	}
	for _, edge := range sortedEdges {
		hasher.Write([]byte(edge.FromFile))
		hasher.Write([]byte(edge.ToModule))
		hasher.Write([]byte(formatConfidence(edge.Confidence)))
		hasher.Write([]byte(edge.SourceType))
	}
	return "sha256:" + hex.EncodeToString(hasher.Sum(nil))
}

func formatConfidence(confidence float64) string {
	return strconv.FormatFloat(confidence, 'g', -1, 64)
}

// ReplaceCatalogSnapshot swaps the whole catalog for the project: files and
// edges are replaced, catalog_meta upserted, and the new catalog version
// derived from the snapshot. Must run inside the worker's write transaction
// together with the consistency link and the job completion.
func (d *DB) ReplaceCatalogSnapshot(ctx context.Context, tx *sql.Tx, sourceRoot string, files []types.CatalogFile, edges []types.CatalogEdge, fullRebuild bool) (*types.CatalogMeta, error) {
	now := nowUTC()
	if _, err := tx.ExecContext(ctx, "DELETE FROM catalog_files WHERE project_id = ?", d.projectID); err != nil {
		return nil, fmt.Errorf("failed to clear catalog files: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM catalog_edges WHERE project_id = ?", d.projectID); err != nil {
		return nil, fmt.Errorf("failed to clear catalog edges: %w", err)
	}

	for _, file := range files {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO catalog_files (project_id, file_path, file_hash, language, import_count, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			d.projectID, file.FilePath, file.FileHash, file.Language, file.ImportCount, now)
		if err != nil {
			return nil, fmt.Errorf("failed to insert catalog file: %w", err)
		}
	}

	for _, edge := range edges {
		edgeType := edge.EdgeType
		if edgeType == "" {
			edgeType = "import"
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO catalog_edges (edge_id, project_id, from_file, to_module, edge_type, confidence, source_type, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			NewID("edge"), d.projectID, edge.FromFile, edge.ToModule, edgeType,
			edge.Confidence, edge.SourceType, now)
		if err != nil {
			return nil, fmt.Errorf("failed to insert catalog edge: %w", err)
		}
	}

	totalFiles := len(files)
	coveragePct := 0.0
	if totalFiles > 0 {
		coveragePct = 100.0
	}
	catalogVersion := CatalogVersionFromSnapshot(files, edges)

	existing, err := catalogMeta(ctx, tx, d.projectID)
	if err != nil {
		return nil, err
	}
	var lastFullRebuild any
	if fullRebuild {
		lastFullRebuild = now
	} else if existing != nil && existing.LastFullRebuild != "" {
		lastFullRebuild = existing.LastFullRebuild
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO catalog_meta (
			project_id, catalog_version, source_root, total_files, indexed_files,
			coverage_pct, last_indexed_at, last_full_rebuild, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			catalog_version = excluded.catalog_version,
			source_root = excluded.source_root,
			total_files = excluded.total_files,
			indexed_files = excluded.indexed_files,
			coverage_pct = excluded.coverage_pct,
			last_indexed_at = excluded.last_indexed_at,
			last_full_rebuild = excluded.last_full_rebuild,
			updated_at = excluded.updated_at`,
		d.projectID, catalogVersion, sourceRoot, totalFiles, totalFiles,
		coveragePct, now, lastFullRebuild, now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert catalog meta: %w", err)
	}

	meta := &types.CatalogMeta{
		ProjectID:      d.projectID,
		CatalogVersion: catalogVersion,
		SourceRoot:     sourceRoot,
		TotalFiles:     totalFiles,
		IndexedFiles:   totalFiles,
		CoveragePct:    coveragePct,
		LastIndexedAt:  now,
		UpdatedAt:      now,
	}
	if s, ok := lastFullRebuild.(string); ok {
		meta.LastFullRebuild = s
	}
	return meta, nil
}

// FetchCatalogFiles returns all indexed files ordered by path.
func (d *DB) FetchCatalogFiles(ctx context.Context) ([]types.CatalogFile, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT file_path, file_hash, language, import_count, updated_at
		FROM catalog_files
		WHERE project_id = ?
		ORDER BY file_path ASC`,
		d.projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query catalog files: %w", err)
	}
	defer rows.Close()

	files := []types.CatalogFile{}
	for rows.Next() {
		var file types.CatalogFile
		if err := rows.Scan(&file.FilePath, &file.FileHash, &file.Language,
			&file.ImportCount, &file.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan catalog file: %w", err)
		}
		files = append(files, file)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating catalog files: %w", err)
	}
	return files, nil
}

// FetchCatalogEdges returns edges at or above minConfidence, strongest first.
func (d *DB) FetchCatalogEdges(ctx context.Context, minConfidence float64) ([]types.CatalogEdge, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT from_file, to_module, edge_type, confidence, source_type, updated_at
		FROM catalog_edges
		WHERE project_id = ? AND confidence >= ?
		ORDER BY confidence DESC, from_file ASC`,
		d.projectID, minConfidence)
	if err != nil {
		return nil, fmt.Errorf("failed to query catalog edges: %w", err)
	}
	defer rows.Close()

	edges := []types.CatalogEdge{}
	for rows.Next() {
		var edge types.CatalogEdge
		if err := rows.Scan(&edge.FromFile, &edge.ToModule, &edge.EdgeType,
			&edge.Confidence, &edge.SourceType, &edge.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan catalog edge: %w", err)
		}
		edges = append(edges, edge)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating catalog edges: %w", err)
	}
	return edges, nil
}

// CatalogHashMap returns file_path -> file_hash for drift comparison.
func (d *DB) CatalogHashMap(ctx context.Context) (map[string]string, error) {
	rows, err := d.sql.QueryContext(ctx,
		"SELECT file_path, file_hash FROM catalog_files WHERE project_id = ?", d.projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query catalog hashes: %w", err)
	}
	defer rows.Close()

	hashes := make(map[string]string)
	for rows.Next() {
		var path, hash string
		if err := rows.Scan(&path, &hash); err != nil {
			return nil, fmt.Errorf("failed to scan catalog hash: %w", err)
		}
		hashes[path] = hash
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating catalog hashes: %w", err)
	}
	return hashes, nil
}
