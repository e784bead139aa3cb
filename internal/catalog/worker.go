package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/untoldecay/memory-hub/internal/storage"
	"github.com/untoldecay/memory-hub/internal/types"
)

// DefaultBatchLimit bounds one worker batch.
const DefaultBatchLimit = 20

const (
	lockRetryMax       = 3
	lockRetryBaseDelay = 100 * time.Millisecond
)

// ProcessJobs drains up to limit catalog jobs for the project.
//
// Each claim runs in its own short write transaction so the lease is visible
// to other workers immediately; the snapshot is built outside any
// transaction; the snapshot swap, the ok consistency link and the job
// completion commit together. A job failure is recorded in a fresh
// transaction so the retry bookkeeping survives the rollback. Lock
// contention on claim is retried with exponential backoff and then aborts
// the batch, reported in LockFailures.
func (s *Service) ProcessJobs(ctx context.Context, projectID string, limit int) (types.BatchStats, error) {
	if limit <= 0 {
		limit = DefaultBatchLimit
	}

	var stats types.BatchStats
	db, err := s.store.Connect(ctx, projectID)
	if err != nil {
		return stats, err
	}
	defer db.Close()

	for stats.Processed < limit {
		job, err := claimWithRetry(ctx, db)
		if err != nil {
			if storage.IsLocked(err) {
				stats.LockFailures++
				log.Printf("catalog worker: lock contention after %d retries, stopping batch (%d processed so far)",
					lockRetryMax, stats.Processed)
				break
			}
			return stats, err
		}
		if job == nil {
			break
		}

		stats.Processed++
		if err := s.runJob(ctx, db, projectID, job); err != nil {
			if markErr := db.MarkCatalogJobFailed(ctx, db, job.JobID, err.Error()); markErr != nil {
				return stats, markErr
			}
			stats.Failed++
			continue
		}
		stats.Succeeded++
	}
	return stats, nil
}

// claimWithRetry claims the next job in a short transaction, retrying lock
// contention up to three attempts with exponential backoff.
func claimWithRetry(ctx context.Context, db *storage.DB) (*types.CatalogJob, error) {
	var job *types.CatalogJob

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = lockRetryBaseDelay
	policy.RandomizationFactor = 0
	policy.Multiplier = 2

	operation := func() error {
		tx, err := db.BeginWrite(ctx)
		if err != nil {
			if storage.IsLocked(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		claimed, err := db.ClaimNextCatalogJob(ctx, tx, 0)
		if err != nil {
			tx.Rollback()
			if storage.IsLocked(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if err := tx.Commit(); err != nil {
			if storage.IsLocked(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		job = claimed
		return nil
	}

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, lockRetryMax-1), ctx))
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return nil, permanent.Err
		}
		return nil, err
	}
	return job, nil
}

// runJob rebuilds the catalog snapshot for one claimed job and commits the
// swap, the consistency link and the completion atomically.
func (s *Service) runJob(ctx context.Context, db *storage.DB, projectID string, job *types.CatalogJob) error {
	var payload types.JobPayload
	if len(job.Payload) > 0 {
		// A malformed payload degrades to the defaults instead of failing.
		_ = json.Unmarshal(job.Payload, &payload)
	}

	fallback, err := s.store.ProjectWorkspace(projectID)
	if err != nil {
		return err
	}
	workspaceRoot, err := db.ResolveWorkspace(ctx, fallback)
	if err != nil {
		return err
	}
	snapshot, err := BuildSnapshot(workspaceRoot)
	if err != nil {
		return err
	}

	tx, err := db.BeginWrite(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	meta, err := db.ReplaceCatalogSnapshot(ctx, tx, snapshot.WorkspaceRoot,
		snapshot.Files, snapshot.Edges, snapshot.FullRebuild)
	if err != nil {
		return err
	}

	memoryVersion := payload.MemoryVersion
	if memoryVersion == 0 {
		memoryVersion, err = db.MemoryVersionTx(ctx, tx)
		if err != nil {
			return err
		}
	}
	syncID := payload.SyncID
	if syncID == "" {
		syncID = "job:" + job.JobID
	}
	if _, err := db.InsertConsistencyLink(ctx, tx, syncID, memoryVersion,
		meta.CatalogVersion, types.ConsistencyOK); err != nil {
		return err
	}

	if err := db.MarkCatalogJobDone(ctx, tx, job.JobID); err != nil {
		return err
	}
	return tx.Commit()
}
