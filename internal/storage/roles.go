package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/untoldecay/memory-hub/internal/types"
)

// UpsertRoleDelta appends an immutable version row and updates the live
// current row for (role, memory_key). Must run inside the caller's write
// transaction together with the memory-version bump.
func (d *DB) UpsertRoleDelta(ctx context.Context, tx *sql.Tx, delta types.RoleDelta, clientID string, memoryVersion int64) (string, error) {
	created := nowUTC()
	versionID := NewID("ver")

	supersedes, err := latestVersionID(ctx, tx, d.projectID, delta.Role, delta.MemoryKey)
	if err != nil {
		return "", err
	}

	value := string(delta.Value)
	sourceRefs := "[]"
	if len(delta.SourceRefs) > 0 {
		sourceRefs = string(delta.SourceRefs)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO role_state_versions (
			version_id, project_id, role, memory_key, value_json, confidence,
			created_at, created_by_client, source_refs_json, supersedes_version_id, memory_version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		versionID, d.projectID, delta.Role, delta.MemoryKey, value, delta.Confidence,
		created, clientID, sourceRefs, supersedes, memoryVersion)
	if err != nil {
		return "", fmt.Errorf("failed to insert role version: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO role_state_current (
			project_id, role, memory_key, value_json, confidence, version,
			updated_at, updated_by_client, source_refs_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, role, memory_key) DO UPDATE SET
			value_json = excluded.value_json,
			confidence = excluded.confidence,
			version = excluded.version,
			updated_at = excluded.updated_at,
			updated_by_client = excluded.updated_by_client,
			source_refs_json = excluded.source_refs_json`,
		d.projectID, delta.Role, delta.MemoryKey, value, delta.Confidence, memoryVersion,
		created, clientID, sourceRefs)
	if err != nil {
		return "", fmt.Errorf("failed to upsert current role state: %w", err)
	}

	return versionID, nil
}

func latestVersionID(ctx context.Context, q querier, projectID, role, memoryKey string) (sql.NullString, error) {
	var versionID sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT version_id
		FROM role_state_versions
		WHERE project_id = ? AND role = ? AND memory_key = ?
		ORDER BY memory_version DESC, created_at DESC
		LIMIT 1`,
		projectID, role, memoryKey).Scan(&versionID.String)
	if err == sql.ErrNoRows {
		return sql.NullString{}, nil
	}
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to find latest version: %w", err)
	}
	versionID.Valid = true
	return versionID, nil
}

// FetchRolePayloads returns the most recently updated items for each role, in
// the given role order.
func (d *DB) FetchRolePayloads(ctx context.Context, roles []string, perRoleLimit int) ([]types.RolePayload, error) {
	payloads := make([]types.RolePayload, 0, len(roles))
	for _, role := range roles {
		rows, err := d.sql.QueryContext(ctx, `
			SELECT memory_key, value_json, confidence, version, updated_at, updated_by_client, source_refs_json
			FROM role_state_current
			WHERE project_id = ? AND role = ?
			ORDER BY updated_at DESC
			LIMIT ?`,
			d.projectID, role, perRoleLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to query role state for %s: %w", role, err)
		}

		items := []types.RoleItem{}
		for rows.Next() {
			var item types.RoleItem
			var value, sourceRefs string
			if err := rows.Scan(&item.MemoryKey, &value, &item.Confidence, &item.Version,
				&item.UpdatedAt, &item.UpdatedByClient, &sourceRefs); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan role item: %w", err)
			}
			item.Value = json.RawMessage(value)
			item.SourceRefs = json.RawMessage(sourceRefs)
			items = append(items, item)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("error iterating role items: %w", err)
		}

		payloads = append(payloads, types.RolePayload{Role: role, Items: items})
	}
	return payloads, nil
}

// FetchCurrentValue returns the live row for one key, or nil when absent.
func (d *DB) FetchCurrentValue(ctx context.Context, role, memoryKey string) (*types.CurrentValue, error) {
	var current types.CurrentValue
	var value string
	err := d.sql.QueryRowContext(ctx, `
		SELECT value_json, confidence, version, updated_at, updated_by_client
		FROM role_state_current
		WHERE project_id = ? AND role = ? AND memory_key = ?`,
		d.projectID, role, memoryKey).Scan(
		&value, &current.Confidence, &current.Version, &current.UpdatedAt, &current.UpdatedByClient)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read current value: %w", err)
	}
	current.Value = json.RawMessage(value)
	return &current, nil
}

// DetectConflicts reports, for each distinct delta key, the newest competing
// write past baseVersion. A base at or ahead of the current memory version
// cannot conflict. baseVersion < 0 means no base (force push).
func (d *DB) DetectConflicts(ctx context.Context, q querier, baseVersion int64, deltas []types.RoleDelta) ([]types.Conflict, error) {
	if baseVersion < 0 {
		return nil, nil
	}
	current, err := memoryVersion(ctx, q)
	if err != nil {
		return nil, err
	}
	if baseVersion >= current {
		return nil, nil
	}

	var conflicts []types.Conflict
	seen := make(map[[2]string]bool)
	for _, delta := range deltas {
		key := [2]string{delta.Role, delta.MemoryKey}
		if seen[key] {
			continue
		}
		seen[key] = true

		var conflict types.Conflict
		var value string
		err := q.QueryRowContext(ctx, `
			SELECT value_json, memory_version, created_at, created_by_client, version_id
			FROM role_state_versions
			WHERE project_id = ? AND role = ? AND memory_key = ? AND memory_version > ?
			ORDER BY memory_version DESC, created_at DESC
			LIMIT 1`,
			d.projectID, delta.Role, delta.MemoryKey, baseVersion).Scan(
			&value, &conflict.CurrentVersion, &conflict.UpdatedAt,
			&conflict.UpdatedByClient, &conflict.VersionID)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to check conflicts: %w", err)
		}

		conflict.Role = delta.Role
		conflict.MemoryKey = delta.MemoryKey
		conflict.BaseVersion = baseVersion
		conflict.Theirs = json.RawMessage(value)
		conflicts = append(conflicts, conflict)
	}
	return conflicts, nil
}
