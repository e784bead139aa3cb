package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/untoldecay/memory-hub/internal/drift"
	"github.com/untoldecay/memory-hub/internal/storage"
	"github.com/untoldecay/memory-hub/internal/types"
)

// DefaultTokenBudget bounds a generated brief when the caller does not set one.
const DefaultTokenBudget = 600

const (
	defaultCacheSize = 256
	defaultCacheTTL  = 30 * time.Minute
)

// BriefPayload is a rendered catalog brief plus the state it was built from.
type BriefPayload struct {
	CatalogBrief      string     `json:"catalog_brief"`
	Evidence          []Evidence `json:"evidence"`
	CatalogVersion    string     `json:"catalog_version"`
	Freshness         string     `json:"freshness"`
	PendingJobs       int        `json:"pending_jobs"`
	ConsistencyStatus string     `json:"consistency_status"`
	CacheHit          bool       `json:"cache_hit"`
	RefreshRequested  bool       `json:"refresh_requested"`
}

// Evidence explains why a file made the brief.
type Evidence struct {
	File   string `json:"file"`
	Reason string `json:"reason"`
}

// Service answers catalog briefs and health checks for any project under one
// store, caching rendered briefs keyed by catalog version so a stale catalog
// can never serve from cache.
type Service struct {
	store *storage.Store
	cache *expirable.LRU[string, BriefPayload]
}

// NewService creates a Service. cacheSize and cacheTTL fall back to 256
// entries and 30 minutes when zero.
func NewService(store *storage.Store, cacheSize int, cacheTTL time.Duration) *Service {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	return &Service{
		store: store,
		cache: expirable.NewLRU[string, BriefPayload](cacheSize, nil, cacheTTL),
	}
}

// HealthCheck recomputes drift when the catalog has rows, persists the
// report, and returns the current health summary.
func (s *Service) HealthCheck(ctx context.Context, projectID string) (types.CatalogHealth, error) {
	db, err := s.store.Connect(ctx, projectID)
	if err != nil {
		return types.CatalogHealth{}, err
	}
	defer db.Close()

	knownHashes, err := db.CatalogHashMap(ctx)
	if err != nil {
		return types.CatalogHealth{}, err
	}
	if len(knownHashes) > 0 {
		fallback, err := s.store.ProjectWorkspace(projectID)
		if err != nil {
			return types.CatalogHealth{}, err
		}
		workspaceRoot, err := db.ResolveWorkspace(ctx, fallback)
		if err != nil {
			return types.CatalogHealth{}, err
		}
		report := drift.Detect(workspaceRoot, knownHashes)
		if _, err := db.InsertDriftReport(ctx, report); err != nil {
			return types.CatalogHealth{}, err
		}
	}

	return buildHealth(ctx, db)
}

// Generate resolves the task type from the prompt and builds a brief.
func (s *Service) Generate(ctx context.Context, projectID, taskPrompt, taskType string, tokenBudget int) (BriefPayload, error) {
	if tokenBudget <= 0 {
		tokenBudget = DefaultTokenBudget
	}
	return s.BriefFor(ctx, projectID, taskPrompt, taskType, tokenBudget)
}

// BriefFor builds the catalog brief for an already-resolved task type. A
// first use seeds the catalog synchronously; a stale or unknown catalog gets
// a bounded inline worker run before the brief is built.
func (s *Service) BriefFor(ctx context.Context, projectID, taskPrompt, taskType string, tokenBudget int) (BriefPayload, error) {
	if err := s.ensureSeeded(ctx, projectID); err != nil {
		return BriefPayload{}, err
	}

	health, err := s.HealthCheck(ctx, projectID)
	if err != nil {
		return BriefPayload{}, err
	}
	if health.Freshness == "stale" || health.Freshness == types.ConsistencyUnknown {
		if _, err := s.ProcessJobs(ctx, projectID, 5); err != nil {
			return BriefPayload{}, err
		}
		health, err = s.HealthCheck(ctx, projectID)
		if err != nil {
			return BriefPayload{}, err
		}
	}

	db, err := s.store.Connect(ctx, projectID)
	if err != nil {
		return BriefPayload{}, err
	}
	defer db.Close()

	files, err := db.FetchCatalogFiles(ctx)
	if err != nil {
		return BriefPayload{}, err
	}
	edges, err := db.FetchCatalogEdges(ctx, 0.5)
	if err != nil {
		return BriefPayload{}, err
	}
	pendingJobs, err := db.CountPendingCatalogJobs(ctx)
	if err != nil {
		return BriefPayload{}, err
	}

	topFiles, evidence, selectedEdges := scoreFiles(files, edges, taskPrompt, taskType)

	key := cacheKey(projectID, taskPrompt, taskType, tokenBudget, health.CatalogVersion)
	if health.Freshness == "fresh" {
		if cached, ok := s.cache.Get(key); ok {
			cached.CacheHit = true
			cached.PendingJobs = pendingJobs
			cached.ConsistencyStatus = health.ConsistencyStatus
			return cached, nil
		}
	}

	payload := BriefPayload{
		CatalogBrief:      renderBrief(taskType, health.CatalogVersion, topFiles, selectedEdges, tokenBudget),
		Evidence:          evidence,
		CatalogVersion:    health.CatalogVersion,
		Freshness:         health.Freshness,
		PendingJobs:       pendingJobs,
		ConsistencyStatus: health.ConsistencyStatus,
	}
	s.cache.Add(key, payload)

	if (health.Freshness == "stale" || health.Freshness == types.ConsistencyUnknown) && pendingJobs == 0 {
		_, err := db.EnqueueCatalogJob(ctx, db, types.JobIncrementalRefresh,
			types.JobPayload{Reason: "pull_stale_refresh", FilesTouched: []string{}}, 0)
		if err != nil {
			return BriefPayload{}, err
		}
		payload.RefreshRequested = true
	}
	return payload, nil
}

// ensureSeeded builds the first snapshot synchronously so the very first
// pull on a project already has a catalog instead of an empty brief.
func (s *Service) ensureSeeded(ctx context.Context, projectID string) error {
	db, err := s.store.Connect(ctx, projectID)
	if err != nil {
		return err
	}
	defer db.Close()

	meta, err := db.CatalogMeta(ctx)
	if err != nil {
		return err
	}
	if meta != nil && meta.IndexedFiles > 0 {
		return nil
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
	if _, err := db.ReplaceCatalogSnapshot(ctx, tx, snapshot.WorkspaceRoot,
		snapshot.Files, snapshot.Edges, true); err != nil {
		return err
	}
	return tx.Commit()
}

var promptTermRe = regexp.MustCompile(`[a-z0-9_./-]+|[\x{4e00}-\x{9fff}]{2,}`)

// promptTerms extracts up to 20 lowercase search terms from the prompt.
func promptTerms(taskPrompt string) []string {
	chunks := promptTermRe.FindAllString(strings.ToLower(taskPrompt), -1)
	terms := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		term := strings.TrimSpace(chunk)
		if len([]rune(term)) < 2 {
			continue
		}
		terms = append(terms, term)
		if len(terms) == 20 {
			break
		}
	}
	return terms
}

// scoreFiles ranks files for the prompt and task type and keeps the top 8,
// with the confident edges among them (at most 16).
func scoreFiles(files []types.CatalogFile, edges []types.CatalogEdge, taskPrompt, taskType string) ([]types.CatalogFile, []Evidence, []types.CatalogEdge) {
	terms := promptTerms(taskPrompt)
	scores := make(map[string]float64, len(files))
	reasons := make(map[string][]string, len(files))

	for _, file := range files {
		path := strings.ToLower(file.FilePath)
		score := float64(file.ImportCount) * 0.05

		for _, term := range terms {
			if strings.Contains(path, term) {
				score += 3.0
				reasons[path] = append(reasons[path], fmt.Sprintf("path matches term %q", term))
			}
		}
		if (taskType == types.TaskTest || taskType == types.TaskReview) &&
			(strings.Contains(path, "test") || strings.Contains(path, "spec")) {
			score += 2.0
			reasons[path] = append(reasons[path], "test/review task prioritizes test files")
		}
		if taskType == types.TaskImplement &&
			(strings.Contains(path, "src/") || strings.Contains(path, "lib/")) {
			score += 1.0
			reasons[path] = append(reasons[path], "implement task prioritizes core source files")
		}
		scores[path] = score
	}

	for _, edge := range edges {
		fromFile := strings.ToLower(edge.FromFile)
		if _, ok := scores[fromFile]; !ok {
			continue
		}
		toModule := strings.ToLower(edge.ToModule)
		for _, term := range terms {
			if strings.Contains(toModule, term) {
				scores[fromFile] += 1.5
				reasons[fromFile] = append(reasons[fromFile], fmt.Sprintf("dependency matches term %q", term))
			}
		}
	}

	ranked := make([]types.CatalogFile, len(files))
	copy(ranked, files)
	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		scoreA := scores[strings.ToLower(a.FilePath)]
		scoreB := scores[strings.ToLower(b.FilePath)]
		if scoreA != scoreB {
			return scoreA > scoreB
		}
		if a.ImportCount != b.ImportCount {
			return a.ImportCount > b.ImportCount
		}
		return a.FilePath > b.FilePath
	})

	topFiles := ranked
	if len(topFiles) > 8 {
		topFiles = topFiles[:8]
	}

	selectedPaths := make(map[string]bool, len(topFiles))
	for _, file := range topFiles {
		selectedPaths[file.FilePath] = true
	}
	selectedEdges := []types.CatalogEdge{}
	for _, edge := range edges {
		if !selectedPaths[edge.FromFile] || edge.Confidence < 0.5 {
			continue
		}
		selectedEdges = append(selectedEdges, edge)
		if len(selectedEdges) == 16 {
			break
		}
	}

	evidence := make([]Evidence, 0, len(topFiles))
	for _, file := range topFiles {
		reason := "high-connectivity file"
		if candidates := reasons[strings.ToLower(file.FilePath)]; len(candidates) > 0 {
			reason = candidates[0]
		}
		evidence = append(evidence, Evidence{File: file.FilePath, Reason: reason})
	}
	return topFiles, evidence, selectedEdges
}

// renderBrief formats the brief and bounds it to max(300, budget*4) bytes.
func renderBrief(taskType, catalogVersion string, files []types.CatalogFile, edges []types.CatalogEdge, tokenBudget int) string {
	lines := []string{
		"[Catalog Brief]",
		"TaskType: " + taskType,
		"CatalogVersion: " + catalogVersion,
		"Top Files:",
	}
	if len(files) == 0 {
		lines = append(lines, "- (no indexed files)")
	} else {
		for _, file := range files {
			lines = append(lines, fmt.Sprintf("- %s (lang=%s, imports=%d)",
				file.FilePath, file.Language, file.ImportCount))
		}
	}

	lines = append(lines, "Key Dependencies (confidence >= 0.5):")
	if len(edges) == 0 {
		lines = append(lines, "- (no dependencies)")
	} else {
		rendered := edges
		if len(rendered) > 12 {
			rendered = rendered[:12]
		}
		for _, edge := range rendered {
			lines = append(lines, fmt.Sprintf("- %s -> %s (confidence=%.2f, source=%s)",
				edge.FromFile, edge.ToModule, edge.Confidence, edge.SourceType))
		}
	}

	return truncateToBudget(strings.Join(lines, "\n"), tokenBudget)
}

func truncateToBudget(text string, tokenBudget int) string {
	maxChars := tokenBudget * 4
	if maxChars < 300 {
		maxChars = 300
	}
	if len(text) <= maxChars {
		return text
	}
	const suffix = "\n... (truncated)"
	return text[:maxChars-len(suffix)] + suffix
}

func cacheKey(projectID, taskPrompt, taskType string, tokenBudget int, catalogVersion string) string {
	promptHash := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(taskPrompt))))
	return fmt.Sprintf("%s:%s:%d:%s:%s",
		projectID, taskType, tokenBudget, catalogVersion, hex.EncodeToString(promptHash[:]))
}
