package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/untoldecay/memory-hub/internal/types"
)

// DefaultJobMaxAttempts is how many times a job runs before it is failed.
const DefaultJobMaxAttempts = 5

// EnqueueCatalogJob inserts a pending job and returns its id.
func (d *DB) EnqueueCatalogJob(ctx context.Context, q querier, jobType string, payload types.JobPayload, maxAttempts int) (string, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultJobMaxAttempts
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode job payload: %w", err)
	}

	jobID := NewID("job")
	now := nowUTC()
	_, err = q.ExecContext(ctx, `
		INSERT INTO catalog_jobs (
			job_id, project_id, job_type, payload_json, status, attempts, max_attempts,
			last_error, next_retry_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, 'pending', 0, ?, NULL, ?, ?, ?)`,
		jobID, d.projectID, jobType, string(payloadJSON), maxAttempts, now, now, now)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue catalog job: %w", err)
	}
	return jobID, nil
}

// ClaimNextCatalogJob claims the oldest runnable job and grants a lease.
//
// Claimable rows are pending jobs whose retry time has arrived, running jobs
// whose lease has expired (crash recovery), and running jobs with no lease
// (rows from before the lease column existed). Several workers may select
// the same row, so the claim is a conditional update keyed on the observed
// status; losing the race retries with another candidate, bounded at eight
// iterations so a pathological queue cannot spin forever.
func (d *DB) ClaimNextCatalogJob(ctx context.Context, q querier, leaseSeconds int) (*types.CatalogJob, error) {
	if leaseSeconds <= 0 {
		leaseSeconds = DefaultLeaseSeconds
	}

	for range 8 {
		now := nowUTC()
		leaseExpires := futureUTC(leaseSeconds)

		var job types.CatalogJob
		var payload string
		var lastError, nextRetryAt sql.NullString
		err := q.QueryRowContext(ctx, `
			SELECT job_id, project_id, job_type, payload_json, status, attempts, max_attempts, last_error, next_retry_at
			FROM catalog_jobs
			WHERE project_id = ?
			  AND (
				(status = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= ?))
				OR (status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?)
				OR (status = 'running' AND lease_expires_at IS NULL)
			  )
			ORDER BY COALESCE(next_retry_at, created_at) ASC, created_at ASC
			LIMIT 1`,
			d.projectID, now, now).Scan(
			&job.JobID, &job.ProjectID, &job.JobType, &payload, &job.Status,
			&job.Attempts, &job.MaxAttempts, &lastError, &nextRetryAt)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to select claimable job: %w", err)
		}

		res, err := q.ExecContext(ctx, `
			UPDATE catalog_jobs
			SET status = 'running', attempts = attempts + 1, updated_at = ?,
				next_retry_at = NULL, lease_expires_at = ?
			WHERE job_id = ?
			  AND status = ?
			  AND (
				(? = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= ?))
				OR (? = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?)
				OR (? = 'running' AND lease_expires_at IS NULL)
			  )`,
			nowUTC(), leaseExpires, job.JobID,
			job.Status, job.Status, now, job.Status, now, job.Status)
		if err != nil {
			return nil, fmt.Errorf("failed to claim job: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to read claim result: %w", err)
		}
		if affected == 0 {
			// Lost the race to another worker.
			continue
		}

		job.Status = types.JobRunning
		job.Attempts++
		job.Payload = json.RawMessage(payload)
		job.LastError = lastError.String
		job.NextRetryAt = nextRetryAt.String
		return &job, nil
	}
	return nil, nil
}

// MarkCatalogJobDone finishes a job and releases its lease.
func (d *DB) MarkCatalogJobDone(ctx context.Context, q querier, jobID string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE catalog_jobs
		SET status = 'done', last_error = NULL, next_retry_at = NULL,
			lease_expires_at = NULL, updated_at = ?
		WHERE job_id = ?`,
		nowUTC(), jobID)
	if err != nil {
		return fmt.Errorf("failed to mark job done: %w", err)
	}
	return nil
}

// MarkCatalogJobFailed records the failure. The job is retried with
// exponential backoff capped at five minutes until attempts reach
// max_attempts, then it is failed permanently.
func (d *DB) MarkCatalogJobFailed(ctx context.Context, q querier, jobID, jobError string) error {
	var attempts, maxAttempts int
	err := q.QueryRowContext(ctx,
		"SELECT attempts, max_attempts FROM catalog_jobs WHERE job_id = ?", jobID).
		Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read job attempts: %w", err)
	}

	status := types.JobPending
	var nextRetryAt any
	if attempts >= maxAttempts {
		status = types.JobFailed
	} else {
		nextRetryAt = futureUTC(retryDelaySeconds(attempts))
	}
	if len(jobError) > 1000 {
		jobError = jobError[:1000]
	}

	_, err = q.ExecContext(ctx, `
		UPDATE catalog_jobs
		SET status = ?, last_error = ?, next_retry_at = ?,
			lease_expires_at = NULL, updated_at = ?
		WHERE job_id = ?`,
		status, jobError, nextRetryAt, nowUTC(), jobID)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	return nil
}

func retryDelaySeconds(attempts int) int {
	if attempts < 0 {
		attempts = 0
	}
	delay := 1
	for i := 0; i < attempts && delay < 300; i++ {
		delay *= 2
	}
	if delay > 300 {
		delay = 300
	}
	return delay
}

// CountPendingCatalogJobs counts jobs still pending or running.
func (d *DB) CountPendingCatalogJobs(ctx context.Context) (int, error) {
	var count int
	err := d.sql.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM catalog_jobs WHERE project_id = ? AND status IN ('pending', 'running')",
		d.projectID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending jobs: %w", err)
	}
	return count, nil
}
