package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/untoldecay/memory-hub/internal/types"
)

// InsertConsistencyLink records that memoryVersion and catalogVersion were
// observed together with the given status.
func (d *DB) InsertConsistencyLink(ctx context.Context, q querier, syncID string, memoryVersion int64, catalogVersion, status string) (string, error) {
	linkID := NewID("link")
	_, err := q.ExecContext(ctx, `
		INSERT INTO consistency_links (
			link_id, project_id, sync_id, memory_version, catalog_version, consistency_status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		linkID, d.projectID, syncID, memoryVersion, catalogVersion, status, nowUTC())
	if err != nil {
		return "", fmt.Errorf("failed to insert consistency link: %w", err)
	}
	return linkID, nil
}

// LatestConsistency returns the newest link. A project that has never linked
// gets a synthesized unknown state built from the live memory version and
// catalog meta.
func (d *DB) LatestConsistency(ctx context.Context) (types.ConsistencyInfo, error) {
	var info types.ConsistencyInfo
	err := d.sql.QueryRowContext(ctx, `
		SELECT memory_version, catalog_version, consistency_status, created_at
		FROM consistency_links
		WHERE project_id = ?
		ORDER BY created_at DESC
		LIMIT 1`,
		d.projectID).Scan(&info.MemoryVersion, &info.CatalogVersion, &info.ConsistencyStatus, &info.CreatedAt)
	if err == nil {
		return info, nil
	}
	if err != sql.ErrNoRows {
		return types.ConsistencyInfo{}, fmt.Errorf("failed to read latest consistency: %w", err)
	}

	version, err := d.MemoryVersion(ctx)
	if err != nil {
		return types.ConsistencyInfo{}, err
	}
	catalogVersion := "sha256:unknown"
	meta, err := d.CatalogMeta(ctx)
	if err != nil {
		return types.ConsistencyInfo{}, err
	}
	if meta != nil {
		catalogVersion = meta.CatalogVersion
	}
	return types.ConsistencyInfo{
		MemoryVersion:     version,
		CatalogVersion:    catalogVersion,
		ConsistencyStatus: types.ConsistencyUnknown,
	}, nil
}

// driftDetails is the details_json payload of a drift report.
type driftDetails struct {
	ChangedFiles []string `json:"changed_files"`
	TotalFiles   int      `json:"total_files"`
}

// InsertDriftReport persists a drift measurement.
func (d *DB) InsertDriftReport(ctx context.Context, report types.DriftReport) (string, error) {
	details, err := json.Marshal(driftDetails{
		ChangedFiles: report.ChangedFiles,
		TotalFiles:   report.TotalFiles,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode drift details: %w", err)
	}

	reportID := NewID("drift")
	_, err = d.sql.ExecContext(ctx, `
		INSERT INTO drift_reports (report_id, project_id, method, drift_score, details_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		reportID, d.projectID, report.Method, report.DriftScore, string(details), nowUTC())
	if err != nil {
		return "", fmt.Errorf("failed to insert drift report: %w", err)
	}
	return reportID, nil
}

// LatestDriftReport returns the newest drift report, or nil.
func (d *DB) LatestDriftReport(ctx context.Context) (*types.DriftReport, error) {
	var report types.DriftReport
	var detailsJSON string
	err := d.sql.QueryRowContext(ctx, `
		SELECT report_id, method, drift_score, details_json, created_at
		FROM drift_reports
		WHERE project_id = ?
		ORDER BY created_at DESC
		LIMIT 1`,
		d.projectID).Scan(&report.ReportID, &report.Method, &report.DriftScore, &detailsJSON, &report.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest drift report: %w", err)
	}

	var details driftDetails
	if err := json.Unmarshal([]byte(detailsJSON), &details); err == nil {
		report.ChangedFiles = details.ChangedFiles
		report.TotalFiles = details.TotalFiles
	}
	if report.ChangedFiles == nil {
		report.ChangedFiles = []string{}
	}
	return &report, nil
}
