package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/untoldecay/memory-hub/internal/types"
)

// DefaultHandoffTTLHours is how long a handoff packet stays visible on pull.
const DefaultHandoffTTLHours = 72

// InsertHandoffPacket stores the session summary with a TTL. Must run in the
// push write transaction.
func (d *DB) InsertHandoffPacket(ctx context.Context, tx *sql.Tx, sessionID string, summary any, clientID string, memoryVersion int64, ttlHours int) (handoffID, expiresAt string, err error) {
	if ttlHours <= 0 {
		ttlHours = DefaultHandoffTTLHours
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode handoff summary: %w", err)
	}

	handoffID = NewID("handoff")
	createdAt := nowUTC()
	expiresAt = time.Now().UTC().Add(time.Duration(ttlHours) * time.Hour).Format(timeLayout)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO handoff_packets (
			handoff_id, project_id, session_id, summary_json, ttl_expires_at,
			created_at, created_by_client, memory_version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		handoffID, d.projectID, sessionID, string(summaryJSON), expiresAt,
		createdAt, clientID, memoryVersion)
	if err != nil {
		return "", "", fmt.Errorf("failed to insert handoff packet: %w", err)
	}
	return handoffID, expiresAt, nil
}

// FetchLatestHandoff returns the newest non-expired handoff, or nil.
func (d *DB) FetchLatestHandoff(ctx context.Context) (*types.Handoff, error) {
	var handoff types.Handoff
	var summary string
	err := d.sql.QueryRowContext(ctx, `
		SELECT handoff_id, session_id, summary_json, ttl_expires_at, created_at, created_by_client, memory_version
		FROM handoff_packets
		WHERE project_id = ? AND ttl_expires_at > ?
		ORDER BY created_at DESC
		LIMIT 1`,
		d.projectID, nowUTC()).Scan(
		&handoff.HandoffID, &handoff.SessionID, &summary, &handoff.TTLExpiresAt,
		&handoff.CreatedAt, &handoff.CreatedByClient, &handoff.MemoryVersion)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest handoff: %w", err)
	}
	handoff.Summary = json.RawMessage(summary)
	return &handoff, nil
}
