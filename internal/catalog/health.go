package catalog

import (
	"context"

	"github.com/untoldecay/memory-hub/internal/storage"
	"github.com/untoldecay/memory-hub/internal/types"
)

// buildHealth derives the freshness/coverage/consistency summary from the
// catalog meta, the job queue, the latest consistency link and the latest
// drift report.
//
// Freshness rules: no catalog at all is unknown; queued work or measured
// drift makes it stale; otherwise a catalog with an index timestamp is fresh.
func buildHealth(ctx context.Context, db *storage.DB) (types.CatalogHealth, error) {
	meta, err := db.CatalogMeta(ctx)
	if err != nil {
		return types.CatalogHealth{}, err
	}
	pendingJobs, err := db.CountPendingCatalogJobs(ctx)
	if err != nil {
		return types.CatalogHealth{}, err
	}
	consistency, err := db.LatestConsistency(ctx)
	if err != nil {
		return types.CatalogHealth{}, err
	}
	latestDrift, err := db.LatestDriftReport(ctx)
	if err != nil {
		return types.CatalogHealth{}, err
	}

	driftScore := 0.0
	if latestDrift != nil {
		driftScore = latestDrift.DriftScore
	}

	if meta == nil {
		return types.CatalogHealth{
			Freshness:         types.ConsistencyUnknown,
			CatalogVersion:    "sha256:unknown",
			PendingJobs:       pendingJobs,
			DriftScore:        driftScore,
			ConsistencyStatus: consistency.ConsistencyStatus,
		}, nil
	}

	freshness := "fresh"
	if pendingJobs > 0 {
		freshness = "stale"
	} else if meta.LastIndexedAt == "" {
		freshness = types.ConsistencyUnknown
	}
	if driftScore > 0.0 && freshness == "fresh" {
		freshness = "stale"
	}

	return types.CatalogHealth{
		Freshness:         freshness,
		CatalogVersion:    meta.CatalogVersion,
		TotalFiles:        meta.TotalFiles,
		IndexedFiles:      meta.IndexedFiles,
		CoveragePct:       meta.CoveragePct,
		Coverage:          meta.CoveragePct,
		PendingJobs:       pendingJobs,
		LastFullRebuild:   meta.LastFullRebuild,
		DriftScore:        driftScore,
		ConsistencyStatus: consistency.ConsistencyStatus,
	}, nil
}
