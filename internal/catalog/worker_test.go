package catalog

import (
	"context"
	"os"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/untoldecay/memory-hub/internal/storage"
	"github.com/untoldecay/memory-hub/internal/types"
)

func TestProcessJobsCompletesJobAndLinksConsistency(t *testing.T) {
	ctx := context.Background()
	service, store, _ := newTestService(t)

	db, err := store.Connect(ctx, "proj-worker")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer db.Close()

	payload := types.JobPayload{
		FilesTouched:  []string{"src/auth.py"},
		MemoryVersion: 3,
		SyncID:        "sync_test",
	}
	jobID, err := db.EnqueueCatalogJob(ctx, db, types.JobIncrementalRefresh, payload, 0)
	if err != nil {
		t.Fatalf("EnqueueCatalogJob failed: %v", err)
	}

	stats, err := service.ProcessJobs(ctx, "proj-worker", 0)
	if err != nil {
		t.Fatalf("ProcessJobs failed: %v", err)
	}
	if stats.Processed != 1 || stats.Succeeded != 1 || stats.Failed != 0 {
		t.Errorf("stats = %+v, want one success", stats)
	}

	var status string
	err = db.QueryRowContext(ctx, "SELECT status FROM catalog_jobs WHERE job_id = ?", jobID).Scan(&status)
	if err != nil {
		t.Fatalf("failed to read job status: %v", err)
	}
	if status != types.JobDone {
		t.Errorf("job status = %s, want done", status)
	}

	link, err := db.LatestConsistency(ctx)
	if err != nil {
		t.Fatalf("LatestConsistency failed: %v", err)
	}
	if link.ConsistencyStatus != types.ConsistencyOK {
		t.Errorf("consistency = %s, want ok", link.ConsistencyStatus)
	}
	if link.MemoryVersion != 3 {
		t.Errorf("memory_version = %d, want the payload's 3", link.MemoryVersion)
	}
}

func TestProcessJobsRecordsFailureForRetry(t *testing.T) {
	ctx := context.Background()
	workspace := t.TempDir()
	store := storage.New(t.TempDir(), workspace)
	service := NewService(store, 0, 0)

	db, err := store.Connect(ctx, "proj-fail")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer db.Close()
	if _, err := db.ResolveWorkspace(ctx, workspace); err != nil {
		t.Fatalf("ResolveWorkspace failed: %v", err)
	}
	jobID, err := db.EnqueueCatalogJob(ctx, db, types.JobIncrementalRefresh, types.JobPayload{}, 0)
	if err != nil {
		t.Fatalf("EnqueueCatalogJob failed: %v", err)
	}

	// Indexing a vanished workspace fails the job.
	if err := os.RemoveAll(workspace); err != nil {
		t.Fatalf("failed to remove workspace: %v", err)
	}

	stats, err := service.ProcessJobs(ctx, "proj-fail", 0)
	if err != nil {
		t.Fatalf("ProcessJobs failed: %v", err)
	}
	if stats.Processed != 1 || stats.Failed != 1 {
		t.Errorf("stats = %+v, want one failure", stats)
	}

	var status string
	var attempts int
	var nextRetryAt, lastError *string
	err = db.QueryRowContext(ctx,
		"SELECT status, attempts, next_retry_at, last_error FROM catalog_jobs WHERE job_id = ?", jobID).
		Scan(&status, &attempts, &nextRetryAt, &lastError)
	if err != nil {
		t.Fatalf("failed to read job row: %v", err)
	}
	if status != types.JobPending {
		t.Errorf("job status = %s, want pending for retry", status)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if nextRetryAt == nil {
		t.Error("next_retry_at not set")
	}
	if lastError == nil || *lastError == "" {
		t.Error("last_error not recorded")
	}
}

func TestProcessJobsParallelWorkersDrainQueueOnce(t *testing.T) {
	ctx := context.Background()
	service, store, _ := newTestService(t)

	db, err := store.Connect(ctx, "proj-parallel")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer db.Close()

	const jobCount = 12
	for range jobCount {
		if _, err := db.EnqueueCatalogJob(ctx, db, types.JobIncrementalRefresh, types.JobPayload{}, 0); err != nil {
			t.Fatalf("EnqueueCatalogJob failed: %v", err)
		}
	}

	var group errgroup.Group
	results := make([]types.BatchStats, 4)
	for i := range results {
		group.Go(func() error {
			stats, err := service.ProcessJobs(ctx, "proj-parallel", 5)
			results[i] = stats
			return err
		})
	}
	if err := group.Wait(); err != nil {
		t.Fatalf("parallel ProcessJobs failed: %v", err)
	}

	succeeded := 0
	for _, stats := range results {
		if stats.Failed != 0 {
			t.Errorf("worker stats = %+v, want no failures", stats)
		}
		succeeded += stats.Succeeded
	}

	// Lock contention may end a batch early; drain the remainder serially.
	for {
		stats, err := service.ProcessJobs(ctx, "proj-parallel", 0)
		if err != nil {
			t.Fatalf("drain ProcessJobs failed: %v", err)
		}
		succeeded += stats.Succeeded
		if stats.Processed == 0 {
			break
		}
	}

	// Leases keep a claimed job invisible to other workers, so each job
	// completes exactly once.
	if succeeded != jobCount {
		t.Errorf("total succeeded = %d, want %d", succeeded, jobCount)
	}

	var done int
	err = db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM catalog_jobs WHERE project_id = 'proj-parallel' AND status = 'done'").Scan(&done)
	if err != nil {
		t.Fatalf("failed to count done jobs: %v", err)
	}
	if done != jobCount {
		t.Errorf("done jobs = %d, want %d", done, jobCount)
	}

	// A job that never failed is claimed exactly once, so its attempts
	// counter stays at 1.
	var reclaimed int
	err = db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM catalog_jobs WHERE project_id = 'proj-parallel' AND attempts != 1").Scan(&reclaimed)
	if err != nil {
		t.Fatalf("failed to count reclaimed jobs: %v", err)
	}
	if reclaimed != 0 {
		t.Errorf("jobs with attempts != 1 = %d, want 0", reclaimed)
	}
}
