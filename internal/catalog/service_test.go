package catalog

import (
	"context"
	"strings"
	"testing"

	"github.com/untoldecay/memory-hub/internal/storage"
	"github.com/untoldecay/memory-hub/internal/types"
)

func newTestService(t *testing.T) (*Service, *storage.Store, string) {
	t.Helper()
	workspace := t.TempDir()
	writeFile(t, workspace, "src/auth.py", "import os\nimport jwt\n")
	writeFile(t, workspace, "src/billing.py", "import os\n")
	writeFile(t, workspace, "tests/test_auth.py", "import pytest\n")

	store := storage.New(t.TempDir(), workspace)
	return NewService(store, 0, 0), store, workspace
}

func TestBriefForSeedsOnFirstUse(t *testing.T) {
	ctx := context.Background()
	service, store, _ := newTestService(t)

	payload, err := service.BriefFor(ctx, "proj-seed", "work on auth", types.TaskImplement, 600)
	if err != nil {
		t.Fatalf("BriefFor failed: %v", err)
	}

	if !strings.HasPrefix(payload.CatalogVersion, "sha256:") {
		t.Errorf("catalog_version = %q, want sha256: prefix", payload.CatalogVersion)
	}
	if payload.Freshness != "fresh" {
		t.Errorf("freshness = %q, want fresh", payload.Freshness)
	}
	if payload.CacheHit {
		t.Error("first brief reported a cache hit")
	}
	if !strings.Contains(payload.CatalogBrief, "src/auth.py") {
		t.Errorf("brief missing seeded file:\n%s", payload.CatalogBrief)
	}
	if len(payload.Evidence) == 0 {
		t.Fatal("no evidence returned")
	}

	db, err := store.Connect(ctx, "proj-seed")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer db.Close()
	meta, err := db.CatalogMeta(ctx)
	if err != nil {
		t.Fatalf("CatalogMeta failed: %v", err)
	}
	if meta == nil || meta.IndexedFiles != 3 {
		t.Errorf("meta = %+v, want 3 indexed files", meta)
	}
}

func TestBriefForCacheHit(t *testing.T) {
	ctx := context.Background()
	service, _, _ := newTestService(t)

	first, err := service.BriefFor(ctx, "proj-cache", "fix auth bug", types.TaskImplement, 600)
	if err != nil {
		t.Fatalf("first BriefFor failed: %v", err)
	}
	if first.CacheHit {
		t.Error("first call hit the cache")
	}

	second, err := service.BriefFor(ctx, "proj-cache", "fix auth bug", types.TaskImplement, 600)
	if err != nil {
		t.Fatalf("second BriefFor failed: %v", err)
	}
	if !second.CacheHit {
		t.Error("second identical call missed the cache")
	}
	if second.CatalogBrief != first.CatalogBrief {
		t.Error("cached brief differs from the original")
	}

	// A different prompt is a different key.
	third, err := service.BriefFor(ctx, "proj-cache", "refactor billing", types.TaskImplement, 600)
	if err != nil {
		t.Fatalf("third BriefFor failed: %v", err)
	}
	if third.CacheHit {
		t.Error("different prompt hit the cache")
	}
}

func TestBriefForDriftTriggersRefresh(t *testing.T) {
	ctx := context.Background()
	service, store, workspace := newTestService(t)

	if _, err := service.BriefFor(ctx, "proj-drift", "work on auth", types.TaskImplement, 600); err != nil {
		t.Fatalf("seeding BriefFor failed: %v", err)
	}

	writeFile(t, workspace, "src/auth.py", "import os\nimport jwt\nimport redis\n")

	stale, err := service.BriefFor(ctx, "proj-drift", "work on auth", types.TaskImplement, 600)
	if err != nil {
		t.Fatalf("BriefFor after edit failed: %v", err)
	}
	if stale.Freshness != "stale" {
		t.Errorf("freshness = %q, want stale after workspace edit", stale.Freshness)
	}
	if stale.CacheHit {
		t.Error("stale brief served from cache")
	}
	if !stale.RefreshRequested {
		t.Error("stale catalog with empty queue did not request a refresh")
	}

	db, err := store.Connect(ctx, "proj-drift")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer db.Close()
	pending, err := db.CountPendingCatalogJobs(ctx)
	if err != nil {
		t.Fatalf("CountPendingCatalogJobs failed: %v", err)
	}
	if pending != 1 {
		t.Errorf("pending jobs = %d, want the enqueued refresh", pending)
	}

	// The next brief runs the queued refresh inline and comes back fresh with
	// a new catalog version.
	recovered, err := service.BriefFor(ctx, "proj-drift", "work on auth", types.TaskImplement, 600)
	if err != nil {
		t.Fatalf("recovery BriefFor failed: %v", err)
	}
	if recovered.Freshness != "fresh" {
		t.Errorf("freshness = %q, want fresh after inline refresh", recovered.Freshness)
	}
	if recovered.CatalogVersion == stale.CatalogVersion {
		t.Error("catalog version unchanged after reindex")
	}
}

func TestHealthCheckReportsDrift(t *testing.T) {
	ctx := context.Background()
	service, _, workspace := newTestService(t)

	if _, err := service.BriefFor(ctx, "proj-health", "overview", types.TaskPlanning, 600); err != nil {
		t.Fatalf("seeding BriefFor failed: %v", err)
	}
	writeFile(t, workspace, "src/new_module.py", "import os\n")

	health, err := service.HealthCheck(ctx, "proj-health")
	if err != nil {
		t.Fatalf("HealthCheck failed: %v", err)
	}
	if health.DriftScore <= 0 {
		t.Errorf("drift_score = %v, want > 0 after adding a file", health.DriftScore)
	}
	if health.Freshness != "stale" {
		t.Errorf("freshness = %q, want stale", health.Freshness)
	}
	if health.IndexedFiles != 3 {
		t.Errorf("indexed_files = %d, want 3", health.IndexedFiles)
	}
}

func TestScoreFilesRanking(t *testing.T) {
	files := []types.CatalogFile{
		{FilePath: "src/auth.py", Language: "python", ImportCount: 2},
		{FilePath: "src/billing.py", Language: "python", ImportCount: 10},
		{FilePath: "tests/test_auth.py", Language: "python", ImportCount: 1},
	}
	edges := []types.CatalogEdge{
		{FromFile: "src/auth.py", ToModule: "jwt", EdgeType: "import", Confidence: 1.0, SourceType: "ast"},
		{FromFile: "src/billing.py", ToModule: "os", EdgeType: "import", Confidence: 0.3, SourceType: "inferred"},
	}

	top, evidence, selected := scoreFiles(files, edges, "fix the auth flow", types.TaskTest)
	if top[0].FilePath != "tests/test_auth.py" {
		t.Errorf("top file = %s, want tests/test_auth.py (path term + test bonus)", top[0].FilePath)
	}
	if evidence[0].Reason == "high-connectivity file" {
		t.Errorf("top evidence reason = %q, want a term or task reason", evidence[0].Reason)
	}

	// Low-confidence edges are dropped even when their file ranks.
	for _, edge := range selected {
		if edge.Confidence < 0.5 {
			t.Errorf("selected low-confidence edge %+v", edge)
		}
	}
}

func TestRenderBriefTruncates(t *testing.T) {
	files := make([]types.CatalogFile, 8)
	for i := range files {
		files[i] = types.CatalogFile{
			FilePath:    strings.Repeat("long/segment/", 6) + "file.py",
			Language:    "python",
			ImportCount: i,
		}
	}

	brief := renderBrief(types.TaskImplement, "sha256:abc", files, nil, 75)
	if len(brief) > 300 {
		t.Errorf("brief length = %d, want <= 300 for a 75-token budget", len(brief))
	}
	if !strings.HasSuffix(brief, "... (truncated)") {
		t.Errorf("brief not truncated:\n%s", brief)
	}
}
