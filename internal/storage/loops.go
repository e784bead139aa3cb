package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/untoldecay/memory-hub/internal/types"
)

// InsertOpenLoops opens loops from a push payload. Entries with a blank
// title are skipped rather than rejected.
func (d *DB) InsertOpenLoops(ctx context.Context, tx *sql.Tx, loops []types.NewOpenLoop, clientID string, memoryVersion int64) ([]types.InsertedLoop, error) {
	createdAt := nowUTC()
	inserted := []types.InsertedLoop{}
	for _, loop := range loops {
		title := strings.TrimSpace(loop.Title)
		if title == "" {
			continue
		}
		loopID := loop.LoopID
		if loopID == "" {
			loopID = NewID("loop")
		}
		priority := loop.Priority
		if priority == 0 {
			priority = 3
		}

		var details, ownerRole any
		if loop.Details != "" {
			details = loop.Details
		}
		if loop.OwnerRole != "" {
			ownerRole = loop.OwnerRole
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO open_loops (
				loop_id, project_id, title, details, status, priority, owner_role,
				created_at, created_by_client, closed_at, closed_by_client, memory_version
			) VALUES (?, ?, ?, ?, 'open', ?, ?, ?, ?, NULL, NULL, ?)`,
			loopID, d.projectID, title, details, priority, ownerRole,
			createdAt, clientID, memoryVersion)
		if err != nil {
			return nil, fmt.Errorf("failed to insert open loop: %w", err)
		}
		inserted = append(inserted, types.InsertedLoop{LoopID: loopID, Title: title, Priority: priority})
	}
	return inserted, nil
}

// CloseOpenLoops closes loops by id or title. Unknown references are ignored
// so a retried push stays idempotent. Returns the ids actually closed.
func (d *DB) CloseOpenLoops(ctx context.Context, tx *sql.Tx, refs []types.LoopRef, clientID string, memoryVersion int64) ([]string, error) {
	closedAt := nowUTC()
	closedIDs := []string{}
	for _, ref := range refs {
		if ref.LoopID != "" {
			res, err := tx.ExecContext(ctx, `
				UPDATE open_loops
				SET status = 'closed', closed_at = ?, closed_by_client = ?, memory_version = ?
				WHERE project_id = ? AND loop_id = ? AND status = 'open'`,
				closedAt, clientID, memoryVersion, d.projectID, ref.LoopID)
			if err != nil {
				return nil, fmt.Errorf("failed to close loop %s: %w", ref.LoopID, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return nil, fmt.Errorf("failed to read close result: %w", err)
			}
			if affected > 0 {
				closedIDs = append(closedIDs, ref.LoopID)
			}
			continue
		}

		if ref.Title == "" {
			continue
		}
		rows, err := tx.QueryContext(ctx, `
			SELECT loop_id FROM open_loops
			WHERE project_id = ? AND title = ? AND status = 'open'`,
			d.projectID, ref.Title)
		if err != nil {
			return nil, fmt.Errorf("failed to find loops by title: %w", err)
		}
		var matched []string
		for rows.Next() {
			var loopID string
			if err := rows.Scan(&loopID); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan loop id: %w", err)
			}
			matched = append(matched, loopID)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("error iterating loops: %w", err)
		}

		for _, loopID := range matched {
			_, err := tx.ExecContext(ctx, `
				UPDATE open_loops
				SET status = 'closed', closed_at = ?, closed_by_client = ?, memory_version = ?
				WHERE project_id = ? AND loop_id = ?`,
				closedAt, clientID, memoryVersion, d.projectID, loopID)
			if err != nil {
				return nil, fmt.Errorf("failed to close loop %s: %w", loopID, err)
			}
			closedIDs = append(closedIDs, loopID)
		}
	}
	return closedIDs, nil
}

// FetchOpenLoopsTop returns the highest-priority open loops, oldest first
// within a priority.
func (d *DB) FetchOpenLoopsTop(ctx context.Context, limit int) ([]types.OpenLoop, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT loop_id, title, details, priority, owner_role, created_at
		FROM open_loops
		WHERE project_id = ? AND status = 'open'
		ORDER BY priority ASC, created_at ASC
		LIMIT ?`,
		d.projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query open loops: %w", err)
	}
	defer rows.Close()

	loops := []types.OpenLoop{}
	for rows.Next() {
		var loop types.OpenLoop
		var details, ownerRole sql.NullString
		if err := rows.Scan(&loop.LoopID, &loop.Title, &details, &loop.Priority,
			&ownerRole, &loop.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan open loop: %w", err)
		}
		loop.Details = details.String
		loop.OwnerRole = ownerRole.String
		loops = append(loops, loop)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating open loops: %w", err)
	}
	return loops, nil
}
