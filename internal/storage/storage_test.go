package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/untoldecay/memory-hub/internal/errs"
	"github.com/untoldecay/memory-hub/internal/types"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	store := New(t.TempDir(), "")
	db, err := store.Connect(context.Background(), "proj-test")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestValidateProjectID(t *testing.T) {
	valid := []string{"a", "proj-1", "My.Project_2", "0abc"}
	for _, id := range valid {
		if err := ValidateProjectID(id); err != nil {
			t.Errorf("ValidateProjectID(%q) = %v, want nil", id, err)
		}
	}

	invalid := []string{"", " proj", "proj ", "../etc", "pro/ject", "-lead", ".lead",
		strings.Repeat("a", 65)}
	for _, id := range invalid {
		err := ValidateProjectID(id)
		var businessErr *errs.BusinessError
		if !errors.As(err, &businessErr) || businessErr.ErrorCode != errs.CodeInvalidProjectID {
			t.Errorf("ValidateProjectID(%q) = %v, want INVALID_PROJECT_ID", id, err)
		}
	}
}

func TestConnectInitializesProjectMeta(t *testing.T) {
	db := newTestDB(t)
	version, err := db.MemoryVersion(context.Background())
	if err != nil {
		t.Fatalf("MemoryVersion failed: %v", err)
	}
	if version != 0 {
		t.Errorf("fresh project memory_version = %d, want 0", version)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	store := New(t.TempDir(), "")
	for i := 0; i < 3; i++ {
		db, err := store.Connect(ctx, "proj-repeat")
		if err != nil {
			t.Fatalf("Connect #%d failed: %v", i+1, err)
		}
		db.Close()
	}

	db, err := store.Connect(ctx, "proj-repeat")
	if err != nil {
		t.Fatalf("final Connect failed: %v", err)
	}
	defer db.Close()

	var count int
	err = db.sql.QueryRowContext(ctx, "SELECT COUNT(1) FROM schema_migrations").Scan(&count)
	if err != nil {
		t.Fatalf("failed to count migrations: %v", err)
	}
	if count != 7 {
		t.Errorf("applied migrations = %d, want 7", count)
	}
}

func TestHealHalfMigratedSyncAudit(t *testing.T) {
	ctx := context.Background()
	store := New(t.TempDir(), "")
	db, err := store.Connect(ctx, "proj-heal")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// Simulate a crash between DROP and RENAME in the audit rebuild.
	if _, err := db.sql.ExecContext(ctx, "ALTER TABLE sync_audit RENAME TO sync_audit_new"); err != nil {
		t.Fatalf("failed to stage half-migrated state: %v", err)
	}
	db.Close()

	db, err = store.Connect(ctx, "proj-heal")
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db.Close()

	if err := db.InsertSyncAudit(ctx, db.sql, types.AuditEntry{
		SyncID: NewID("sync"), Direction: "pull", ClientID: "c", SessionID: "s",
	}); err != nil {
		t.Errorf("sync_audit not healed: %v", err)
	}
}

func TestUpsertRoleDeltaVersionsAndConflicts(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	write := func(value string) int64 {
		tx, err := db.BeginWrite(ctx)
		if err != nil {
			t.Fatalf("BeginWrite failed: %v", err)
		}
		version, err := db.BumpMemoryVersion(ctx, tx)
		if err != nil {
			t.Fatalf("BumpMemoryVersion failed: %v", err)
		}
		_, err = db.UpsertRoleDelta(ctx, tx, types.RoleDelta{
			Role: "dev", MemoryKey: "focus", Value: json.RawMessage(value), Confidence: 0.9,
		}, "client-a", version)
		if err != nil {
			t.Fatalf("UpsertRoleDelta failed: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("Commit failed: %v", err)
		}
		return version
	}

	first := write(`{"v":1}`)
	time.Sleep(2 * time.Millisecond)
	second := write(`{"v":2}`)
	if first != 1 || second != 2 {
		t.Fatalf("memory versions = %d, %d, want 1, 2", first, second)
	}

	current, err := db.FetchCurrentValue(ctx, "dev", "focus")
	if err != nil {
		t.Fatalf("FetchCurrentValue failed: %v", err)
	}
	if current == nil || string(current.Value) != `{"v":2}` {
		t.Errorf("current value = %+v, want v:2", current)
	}

	// A base behind the second write conflicts on the same key.
	conflicts, err := db.DetectConflicts(ctx, db.sql, 1, []types.RoleDelta{
		{Role: "dev", MemoryKey: "focus"},
	})
	if err != nil {
		t.Fatalf("DetectConflicts failed: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(conflicts))
	}
	if conflicts[0].CurrentVersion != 2 || string(conflicts[0].Theirs) != `{"v":2}` {
		t.Errorf("conflict = %+v, want theirs v:2 at version 2", conflicts[0])
	}

	// Up-to-date base never conflicts; untouched keys never conflict.
	conflicts, err = db.DetectConflicts(ctx, db.sql, 2, []types.RoleDelta{
		{Role: "dev", MemoryKey: "focus"},
	})
	if err != nil {
		t.Fatalf("DetectConflicts failed: %v", err)
	}
	if len(conflicts) != 0 {
		t.Errorf("conflicts at head = %d, want 0", len(conflicts))
	}
	conflicts, err = db.DetectConflicts(ctx, db.sql, 1, []types.RoleDelta{
		{Role: "qa", MemoryKey: "other"},
	})
	if err != nil {
		t.Fatalf("DetectConflicts failed: %v", err)
	}
	if len(conflicts) != 0 {
		t.Errorf("conflicts on untouched key = %d, want 0", len(conflicts))
	}
}

func TestOpenLoopLifecycle(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	tx, err := db.BeginWrite(ctx)
	if err != nil {
		t.Fatalf("BeginWrite failed: %v", err)
	}
	inserted, err := db.InsertOpenLoops(ctx, tx, []types.NewOpenLoop{
		{Title: "wire auth", Priority: 1},
		{Title: "  "},
		{Title: "fix tests", Priority: 2, OwnerRole: "qa"},
	}, "client-a", 1)
	if err != nil {
		t.Fatalf("InsertOpenLoops failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if len(inserted) != 2 {
		t.Fatalf("inserted = %d, want 2 (blank title skipped)", len(inserted))
	}

	top, err := db.FetchOpenLoopsTop(ctx, 3)
	if err != nil {
		t.Fatalf("FetchOpenLoopsTop failed: %v", err)
	}
	if len(top) != 2 || top[0].Title != "wire auth" {
		t.Errorf("top loops = %+v, want wire auth first", top)
	}

	tx, err = db.BeginWrite(ctx)
	if err != nil {
		t.Fatalf("BeginWrite failed: %v", err)
	}
	closed, err := db.CloseOpenLoops(ctx, tx, []types.LoopRef{
		{Title: "fix tests"},
		{LoopID: "loop_nonexistent"},
	}, "client-b", 2)
	if err != nil {
		t.Fatalf("CloseOpenLoops failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if len(closed) != 1 {
		t.Errorf("closed = %v, want exactly the titled loop", closed)
	}

	top, err = db.FetchOpenLoopsTop(ctx, 3)
	if err != nil {
		t.Fatalf("FetchOpenLoopsTop failed: %v", err)
	}
	if len(top) != 1 || top[0].Title != "wire auth" {
		t.Errorf("remaining loops = %+v, want only wire auth", top)
	}
}

func TestHandoffTTL(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	tx, err := db.BeginWrite(ctx)
	if err != nil {
		t.Fatalf("BeginWrite failed: %v", err)
	}
	handoffID, expiresAt, err := db.InsertHandoffPacket(ctx, tx,
		"sess-1", map[string]any{"session_summary": "did things"}, "client-a", 1, 72)
	if err != nil {
		t.Fatalf("InsertHandoffPacket failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if handoffID == "" || expiresAt == "" {
		t.Fatalf("handoff = (%q, %q), want non-empty", handoffID, expiresAt)
	}

	handoff, err := db.FetchLatestHandoff(ctx)
	if err != nil {
		t.Fatalf("FetchLatestHandoff failed: %v", err)
	}
	if handoff == nil || handoff.HandoffID != handoffID {
		t.Fatalf("latest handoff = %+v, want %s", handoff, handoffID)
	}

	// Expire it and confirm it disappears from pull.
	_, err = db.sql.ExecContext(ctx,
		"UPDATE handoff_packets SET ttl_expires_at = ? WHERE handoff_id = ?",
		"2000-01-01T00:00:00.000000Z", handoffID)
	if err != nil {
		t.Fatalf("failed to expire handoff: %v", err)
	}
	handoff, err = db.FetchLatestHandoff(ctx)
	if err != nil {
		t.Fatalf("FetchLatestHandoff failed: %v", err)
	}
	if handoff != nil {
		t.Errorf("expired handoff still returned: %+v", handoff)
	}
}

func TestClaimNextCatalogJob(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	jobID, err := db.EnqueueCatalogJob(ctx, db.sql, types.JobIncrementalRefresh,
		types.JobPayload{Reason: "test"}, 0)
	if err != nil {
		t.Fatalf("EnqueueCatalogJob failed: %v", err)
	}

	job, err := db.ClaimNextCatalogJob(ctx, db.sql, 60)
	if err != nil {
		t.Fatalf("ClaimNextCatalogJob failed: %v", err)
	}
	if job == nil || job.JobID != jobID {
		t.Fatalf("claimed = %+v, want %s", job, jobID)
	}
	if job.Status != types.JobRunning || job.Attempts != 1 {
		t.Errorf("claimed job = %+v, want running with 1 attempt", job)
	}

	// The lease keeps a second claim away.
	second, err := db.ClaimNextCatalogJob(ctx, db.sql, 60)
	if err != nil {
		t.Fatalf("second claim failed: %v", err)
	}
	if second != nil {
		t.Errorf("second claim = %+v, want nil while leased", second)
	}

	// An expired lease makes the job reclaimable.
	_, err = db.sql.ExecContext(ctx,
		"UPDATE catalog_jobs SET lease_expires_at = ? WHERE job_id = ?",
		"2000-01-01T00:00:00.000000Z", jobID)
	if err != nil {
		t.Fatalf("failed to expire lease: %v", err)
	}
	reclaimed, err := db.ClaimNextCatalogJob(ctx, db.sql, 60)
	if err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}
	if reclaimed == nil || reclaimed.JobID != jobID || reclaimed.Attempts != 2 {
		t.Errorf("reclaimed = %+v, want %s at attempt 2", reclaimed, jobID)
	}
}

func TestClaimReclaimsNullLease(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	jobID, err := db.EnqueueCatalogJob(ctx, db.sql, types.JobIncrementalRefresh, types.JobPayload{}, 0)
	if err != nil {
		t.Fatalf("EnqueueCatalogJob failed: %v", err)
	}
	// A running job with no lease predates the lease column; it must be
	// reclaimable instead of stuck forever.
	_, err = db.sql.ExecContext(ctx,
		"UPDATE catalog_jobs SET status = 'running', lease_expires_at = NULL WHERE job_id = ?", jobID)
	if err != nil {
		t.Fatalf("failed to stage legacy running job: %v", err)
	}

	job, err := db.ClaimNextCatalogJob(ctx, db.sql, 60)
	if err != nil {
		t.Fatalf("ClaimNextCatalogJob failed: %v", err)
	}
	if job == nil || job.JobID != jobID {
		t.Errorf("claimed = %+v, want legacy job %s", job, jobID)
	}
}

func TestMarkCatalogJobFailedBackoffAndExhaustion(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	jobID, err := db.EnqueueCatalogJob(ctx, db.sql, types.JobIncrementalRefresh, types.JobPayload{}, 2)
	if err != nil {
		t.Fatalf("EnqueueCatalogJob failed: %v", err)
	}

	job, err := db.ClaimNextCatalogJob(ctx, db.sql, 60)
	if err != nil || job == nil {
		t.Fatalf("claim failed: %v %v", job, err)
	}
	if err := db.MarkCatalogJobFailed(ctx, db.sql, jobID, "boom"); err != nil {
		t.Fatalf("MarkCatalogJobFailed failed: %v", err)
	}

	var status string
	var nextRetryAt string
	err = db.sql.QueryRowContext(ctx,
		"SELECT status, COALESCE(next_retry_at, '') FROM catalog_jobs WHERE job_id = ?", jobID).
		Scan(&status, &nextRetryAt)
	if err != nil {
		t.Fatalf("failed to read job: %v", err)
	}
	if status != types.JobPending || nextRetryAt == "" {
		t.Fatalf("after first failure: status=%s retry=%q, want pending with backoff", status, nextRetryAt)
	}

	// Force the retry time into the past and exhaust attempts.
	_, err = db.sql.ExecContext(ctx,
		"UPDATE catalog_jobs SET next_retry_at = ? WHERE job_id = ?",
		"2000-01-01T00:00:00.000000Z", jobID)
	if err != nil {
		t.Fatalf("failed to rewind retry: %v", err)
	}
	job, err = db.ClaimNextCatalogJob(ctx, db.sql, 60)
	if err != nil || job == nil {
		t.Fatalf("second claim failed: %v %v", job, err)
	}
	if err := db.MarkCatalogJobFailed(ctx, db.sql, jobID, "boom again"); err != nil {
		t.Fatalf("MarkCatalogJobFailed failed: %v", err)
	}

	err = db.sql.QueryRowContext(ctx,
		"SELECT status FROM catalog_jobs WHERE job_id = ?", jobID).Scan(&status)
	if err != nil {
		t.Fatalf("failed to read job: %v", err)
	}
	if status != types.JobFailed {
		t.Errorf("after exhausting attempts: status = %s, want failed", status)
	}

	count, err := db.CountPendingCatalogJobs(ctx)
	if err != nil {
		t.Fatalf("CountPendingCatalogJobs failed: %v", err)
	}
	if count != 0 {
		t.Errorf("pending count = %d, want 0 after permanent failure", count)
	}
}

func TestReplaceCatalogSnapshotDeterministicVersion(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	files := []types.CatalogFile{
		{FilePath: "src/b.py", FileHash: "sha256:bb", Language: "python", ImportCount: 1},
		{FilePath: "src/a.py", FileHash: "sha256:aa", Language: "python", ImportCount: 2},
	}
	edges := []types.CatalogEdge{
		{FromFile: "src/a.py", ToModule: "os", Confidence: 1.0, SourceType: "ast"},
	}

	tx, err := db.BeginWrite(ctx)
	if err != nil {
		t.Fatalf("BeginWrite failed: %v", err)
	}
	meta, err := db.ReplaceCatalogSnapshot(ctx, tx, "/ws", files, edges, true)
	if err != nil {
		t.Fatalf("ReplaceCatalogSnapshot failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if meta.TotalFiles != 2 || meta.CoveragePct != 100.0 || meta.LastFullRebuild == "" {
		t.Errorf("meta = %+v, want 2 files, full coverage, rebuild stamp", meta)
	}

	// Version is independent of input order.
	reversed := []types.CatalogFile{files[1], files[0]}
	if got := CatalogVersionFromSnapshot(reversed, edges); got != meta.CatalogVersion {
		t.Errorf("version order-dependent: %s vs %s", got, meta.CatalogVersion)
	}

	stored, err := db.FetchCatalogFiles(ctx)
	if err != nil {
		t.Fatalf("FetchCatalogFiles failed: %v", err)
	}
	if len(stored) != 2 || stored[0].FilePath != "src/a.py" {
		t.Errorf("stored files = %+v, want sorted by path", stored)
	}
}

func TestLatestConsistencyFallback(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	info, err := db.LatestConsistency(ctx)
	if err != nil {
		t.Fatalf("LatestConsistency failed: %v", err)
	}
	if info.ConsistencyStatus != types.ConsistencyUnknown || info.CatalogVersion != "sha256:unknown" {
		t.Errorf("fallback = %+v, want unknown/sha256:unknown", info)
	}

	_, err = db.InsertConsistencyLink(ctx, db.sql, "sync_1", 3, "sha256:abc", types.ConsistencyOK)
	if err != nil {
		t.Fatalf("InsertConsistencyLink failed: %v", err)
	}
	info, err = db.LatestConsistency(ctx)
	if err != nil {
		t.Fatalf("LatestConsistency failed: %v", err)
	}
	if info.MemoryVersion != 3 || info.ConsistencyStatus != types.ConsistencyOK {
		t.Errorf("latest = %+v, want linked ok at version 3", info)
	}
}

func TestSyncAuditOrderAndFilter(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	directions := []string{"pull", "push", "pull"}
	for i, direction := range directions {
		err := db.InsertSyncAudit(ctx, db.sql, types.AuditEntry{
			SyncID:    NewID("sync"),
			Direction: direction,
			ClientID:  "client-a",
			SessionID: "sess-1",
			LatencyMS: int64(i),
		})
		if err != nil {
			t.Fatalf("InsertSyncAudit failed: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	entries, err := db.ListSyncAudit(ctx, 10, "")
	if err != nil {
		t.Fatalf("ListSyncAudit failed: %v", err)
	}
	if len(entries) != 3 || entries[0].LatencyMS != 2 {
		t.Errorf("entries = %+v, want 3 newest-first", entries)
	}

	pulls, err := db.ListSyncAudit(ctx, 10, "pull")
	if err != nil {
		t.Fatalf("ListSyncAudit(pull) failed: %v", err)
	}
	if len(pulls) != 2 {
		t.Errorf("pull entries = %d, want 2", len(pulls))
	}
}

func TestResolveWorkspaceBindsAndRejectsMismatch(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	first := filepath.Join(t.TempDir(), "ws")
	bound, err := db.ResolveWorkspace(ctx, first)
	if err != nil {
		t.Fatalf("first ResolveWorkspace failed: %v", err)
	}
	again, err := db.ResolveWorkspace(ctx, first)
	if err != nil {
		t.Fatalf("repeat ResolveWorkspace failed: %v", err)
	}
	if bound != again {
		t.Errorf("binding unstable: %s vs %s", bound, again)
	}

	_, err = db.ResolveWorkspace(ctx, filepath.Join(t.TempDir(), "other"))
	var businessErr *errs.BusinessError
	if !errors.As(err, &businessErr) || businessErr.ErrorCode != errs.CodeWorkspaceMismatch {
		t.Errorf("mismatch error = %v, want WORKSPACE_MISMATCH", err)
	}
}
