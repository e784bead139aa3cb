package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/untoldecay/memory-hub/internal/types"
)

// InsertSyncAudit records one sync operation, successful or not.
func (d *DB) InsertSyncAudit(ctx context.Context, q querier, entry types.AuditEntry) error {
	request := string(entry.Request)
	if request == "" {
		request = "{}"
	}
	response := string(entry.Response)
	if response == "" {
		response = "{}"
	}

	var errorCode any
	if entry.ErrorCode != "" {
		errorCode = entry.ErrorCode
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO sync_audit (
			sync_id, project_id, direction, client_id, session_id,
			request_json, response_json, error_code, latency_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.SyncID, d.projectID, entry.Direction, entry.ClientID, entry.SessionID,
		request, response, errorCode, entry.LatencyMS, nowUTC())
	if err != nil {
		return fmt.Errorf("failed to insert sync audit: %w", err)
	}
	return nil
}

// ListSyncAudit returns the newest entries first, optionally filtered by
// direction.
func (d *DB) ListSyncAudit(ctx context.Context, limit int, direction string) ([]types.AuditEntry, error) {
	query := `
		SELECT sync_id, project_id, direction, client_id, session_id,
			request_json, response_json, error_code, latency_ms, created_at
		FROM sync_audit
		WHERE project_id = ?`
	args := []any{d.projectID}
	if direction != "" {
		query += " AND direction = ?"
		args = append(args, direction)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := d.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync audit: %w", err)
	}
	defer rows.Close()

	entries := []types.AuditEntry{}
	for rows.Next() {
		var entry types.AuditEntry
		var request, response string
		var errorCode sql.NullString
		var latency sql.NullInt64
		if err := rows.Scan(&entry.SyncID, &entry.ProjectID, &entry.Direction,
			&entry.ClientID, &entry.SessionID, &request, &response,
			&errorCode, &latency, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry.Request = json.RawMessage(request)
		entry.Response = json.RawMessage(response)
		entry.ErrorCode = errorCode.String
		entry.LatencyMS = latency.Int64
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, nil
}
