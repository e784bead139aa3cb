// Package session implements the sync protocol: pull assembles a
// task-adaptive context brief, push applies role deltas under optimistic
// concurrency, resolve_conflict settles a rejected push, and audit.list
// exposes the sync audit trail.
package session

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/untoldecay/memory-hub/internal/catalog"
	"github.com/untoldecay/memory-hub/internal/errs"
	"github.com/untoldecay/memory-hub/internal/policy"
	"github.com/untoldecay/memory-hub/internal/storage"
	"github.com/untoldecay/memory-hub/internal/types"
)

// DefaultPullTokens is the context brief budget when the caller sets none.
const DefaultPullTokens = 1200

const (
	// perRoleItemLimit bounds the structured payload; the rendered brief
	// shows at most six items per role.
	perRoleItemLimit = 8
	openLoopsLimit   = 3

	// DefaultAuditLimit and MaxAuditLimit bound audit.list pages.
	DefaultAuditLimit = 50
	MaxAuditLimit     = 500
)

// Engine executes sync operations against one store, delegating catalog
// briefs and health to the catalog service.
type Engine struct {
	store   *storage.Store
	catalog *catalog.Service
}

// NewEngine creates an Engine over the store and catalog service.
func NewEngine(store *storage.Store, catalogService *catalog.Service) *Engine {
	return &Engine{store: store, catalog: catalogService}
}

// Source records where one piece of the pull brief came from.
type Source struct {
	Type      string `json:"type"`
	Role      string `json:"role,omitempty"`
	MemoryKey string `json:"memory_key,omitempty"`
	Version   int64  `json:"version,omitempty"`
	LoopID    string `json:"loop_id,omitempty"`
	HandoffID string `json:"handoff_id,omitempty"`
}

// CatalogTrace summarises how the catalog side of the brief was served.
type CatalogTrace struct {
	Freshness        string `json:"freshness"`
	CacheHit         bool   `json:"cache_hit"`
	RefreshRequested bool   `json:"refresh_requested"`
}

// PullTrace explains the policy decisions behind a pull.
type PullTrace struct {
	Policy            string       `json:"policy"`
	RequestedTaskType string       `json:"requested_task_type"`
	ResolvedTaskType  string       `json:"resolved_task_type"`
	Sources           []Source     `json:"sources"`
	Catalog           CatalogTrace `json:"catalog"`
}

// PullResponse is the full result of session.sync.pull.
type PullResponse struct {
	SyncID             string                 `json:"sync_id"`
	ProjectID          string                 `json:"project_id"`
	TaskType           string                 `json:"task_type"`
	ContextBrief       string                 `json:"context_brief"`
	MemoryContextBrief string                 `json:"memory_context_brief"`
	CatalogBrief       string                 `json:"catalog_brief"`
	RolePayloads       []types.RolePayload    `json:"role_payloads"`
	OpenLoopsTop       []types.OpenLoop       `json:"open_loops_top"`
	HandoffLatest      *types.Handoff         `json:"handoff_latest"`
	MemoryVersion      int64                  `json:"memory_version"`
	ConsistencyStamp   types.ConsistencyStamp `json:"consistency_stamp"`
	Evidence           []catalog.Evidence     `json:"evidence"`
	Trace              PullTrace              `json:"trace"`
}

// AppliedDelta echoes one applied role write.
type AppliedDelta struct {
	VersionID     string `json:"version_id"`
	Role          string `json:"role"`
	MemoryKey     string `json:"memory_key"`
	MemoryVersion int64  `json:"memory_version"`
}

// AppliedLoops echoes the loop changes of a push.
type AppliedLoops struct {
	Inserted []types.InsertedLoop `json:"inserted"`
	Closed   []string             `json:"closed"`
}

// AppliedHandoff echoes the stored handoff packet.
type AppliedHandoff struct {
	HandoffID    string `json:"handoff_id"`
	TTLExpiresAt string `json:"ttl_expires_at"`
}

// Applied groups everything a successful push wrote.
type Applied struct {
	RoleDeltas []AppliedDelta `json:"role_deltas"`
	OpenLoops  AppliedLoops   `json:"open_loops"`
	Handoff    AppliedHandoff `json:"handoff"`
}

// JobRef points at the catalog job a push enqueued.
type JobRef struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// PushResponse is the result of session.sync.push. Status is "ok" when the
// write landed and "needs_resolution" when conflicts blocked it.
type PushResponse struct {
	SyncID           string                 `json:"sync_id"`
	MemoryVersion    int64                  `json:"memory_version"`
	ConsistencyStamp types.ConsistencyStamp `json:"consistency_stamp"`
	Conflicts        []types.Conflict       `json:"conflicts"`
	Status           string                 `json:"status"`
	Applied          *Applied               `json:"applied,omitempty"`
	CatalogJob       *JobRef                `json:"catalog_job,omitempty"`
}

// ResolveResponse is the result of session.sync.resolve_conflict.
type ResolveResponse struct {
	SyncID           string                 `json:"sync_id"`
	Status           string                 `json:"status"`
	Strategy         string                 `json:"strategy"`
	MemoryVersion    int64                  `json:"memory_version"`
	ConsistencyStamp types.ConsistencyStamp `json:"consistency_stamp"`
	Conflicts        []types.Conflict       `json:"conflicts"`
	Applied          string                 `json:"applied,omitempty"`
}

// AuditListResponse is one page of the sync audit trail, newest first.
type AuditListResponse struct {
	ProjectID string             `json:"project_id"`
	Limit     int                `json:"limit"`
	Count     int                `json:"count"`
	Items     []types.AuditEntry `json:"items"`
}

// Pull loads role memory, open loops, the latest handoff and a catalog brief
// for the prompt, and returns them as one bounded context brief.
func (e *Engine) Pull(ctx context.Context, args map[string]any) (*PullResponse, error) {
	started := time.Now()
	if err := MissingFields(args, "project_id", "client_id", "session_id", "task_prompt"); err != nil {
		return nil, err
	}
	projectID := args["project_id"].(string)
	clientID := args["client_id"].(string)
	sessionID := args["session_id"].(string)
	taskPrompt := args["task_prompt"].(string)

	requestedTaskType, _ := args["task_type"].(string)
	maxTokens := DefaultPullTokens
	if raw, ok := args["max_tokens"]; ok && raw != nil {
		if tokens, ok := intValue(raw); ok && tokens > 0 {
			maxTokens = int(tokens)
		}
	}

	taskType := policy.ResolveTaskType(taskPrompt, requestedTaskType)
	roles := policy.RolesForTask(taskType)

	db, err := e.store.Connect(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rolePayloads, err := db.FetchRolePayloads(ctx, roles, perRoleItemLimit)
	if err != nil {
		return nil, err
	}
	openLoops, err := db.FetchOpenLoopsTop(ctx, openLoopsLimit)
	if err != nil {
		return nil, err
	}
	handoff, err := db.FetchLatestHandoff(ctx)
	if err != nil {
		return nil, err
	}
	memoryVersion, err := db.MemoryVersion(ctx)
	if err != nil {
		return nil, err
	}

	memoryBrief := policy.BuildContextBrief(rolePayloads, openLoops, handoff, maxTokens)

	catalogBudget := maxTokens / 2
	if catalogBudget < 300 {
		catalogBudget = 300
	}
	brief, err := e.catalog.BriefFor(ctx, projectID, taskPrompt, taskType, catalogBudget)
	if err != nil {
		return nil, err
	}

	contextBrief := strings.TrimSpace(memoryBrief + "\n\n" + brief.CatalogBrief)

	var sources []Source
	for _, payload := range rolePayloads {
		for _, item := range payload.Items {
			sources = append(sources, Source{
				Type:      "role_state",
				Role:      payload.Role,
				MemoryKey: item.MemoryKey,
				Version:   item.Version,
			})
		}
	}
	for _, loop := range openLoops {
		sources = append(sources, Source{Type: "open_loop", LoopID: loop.LoopID})
	}
	if handoff != nil {
		sources = append(sources, Source{Type: "handoff", HandoffID: handoff.HandoffID})
	}

	if requestedTaskType == "" {
		requestedTaskType = types.TaskAuto
	}

	response := &PullResponse{
		SyncID:             storage.NewID("sync"),
		ProjectID:          projectID,
		TaskType:           taskType,
		ContextBrief:       contextBrief,
		MemoryContextBrief: memoryBrief,
		CatalogBrief:       brief.CatalogBrief,
		RolePayloads:       rolePayloads,
		OpenLoopsTop:       openLoops,
		HandoffLatest:      handoff,
		MemoryVersion:      memoryVersion,
		ConsistencyStamp: types.ConsistencyStamp{
			MemoryVersion:  memoryVersion,
			CatalogVersion: brief.CatalogVersion,
			Consistency:    brief.ConsistencyStatus,
		},
		Evidence: brief.Evidence,
		Trace: PullTrace{
			Policy:            "task_adaptive",
			RequestedTaskType: requestedTaskType,
			ResolvedTaskType:  taskType,
			Sources:           sources,
			Catalog: CatalogTrace{
				Freshness:        brief.Freshness,
				CacheHit:         brief.CacheHit,
				RefreshRequested: brief.RefreshRequested,
			},
		},
	}

	err = db.InsertSyncAudit(ctx, db, types.AuditEntry{
		SyncID:    response.SyncID,
		Direction: "pull",
		ClientID:  clientID,
		SessionID: sessionID,
		Request:   marshalAudit(args),
		Response: marshalAudit(map[string]any{
			"memory_version":     memoryVersion,
			"resolved_task_type": taskType,
			"catalog_version":    brief.CatalogVersion,
		}),
		LatencyMS: time.Since(started).Milliseconds(),
	})
	if err != nil {
		return nil, err
	}
	return response, nil
}

// Push applies a validated payload in one write transaction. A stale context
// stamp turns the push into a needs_resolution response carrying the
// conflicting writes; nothing but the audit row is persisted in that case.
func (e *Engine) Push(ctx context.Context, args map[string]any) (*PushResponse, error) {
	started := time.Now()
	req, err := ParsePushRequest(args)
	if err != nil {
		return nil, err
	}

	db, err := e.store.Connect(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	// Bind (or verify) the workspace before touching memory so a push from
	// the wrong checkout fails without writing.
	fallback, err := e.store.ProjectWorkspace(req.ProjectID)
	if err != nil {
		return nil, err
	}
	if _, err := db.ResolveWorkspace(ctx, fallback); err != nil {
		return nil, err
	}

	syncID := storage.NewID("sync")

	tx, err := db.BeginWrite(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	conflicts, err := db.DetectConflicts(ctx, tx, req.BaseVersion, req.RoleDeltas)
	if err != nil {
		return nil, err
	}
	if len(conflicts) > 0 {
		latest, err := db.LatestConsistency(ctx)
		if err != nil {
			return nil, err
		}
		response := &PushResponse{
			SyncID:        syncID,
			MemoryVersion: latest.MemoryVersion,
			ConsistencyStamp: types.ConsistencyStamp{
				MemoryVersion:  latest.MemoryVersion,
				CatalogVersion: latest.CatalogVersion,
				Consistency:    latest.ConsistencyStatus,
			},
			Conflicts: conflicts,
			Status:    "needs_resolution",
		}
		err = db.InsertSyncAudit(ctx, tx, types.AuditEntry{
			SyncID:    syncID,
			Direction: "push",
			ClientID:  req.ClientID,
			SessionID: req.SessionID,
			Request:   marshalAudit(args),
			Response: marshalAudit(map[string]any{
				"status":    "needs_resolution",
				"conflicts": len(conflicts),
			}),
			ErrorCode: errs.CodeConflictDetected,
			LatencyMS: time.Since(started).Milliseconds(),
		})
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return response, nil
	}

	newVersion, err := db.BumpMemoryVersion(ctx, tx)
	if err != nil {
		return nil, err
	}

	applied := &Applied{RoleDeltas: []AppliedDelta{}}
	for _, delta := range req.RoleDeltas {
		versionID, err := db.UpsertRoleDelta(ctx, tx, delta, req.ClientID, newVersion)
		if err != nil {
			return nil, err
		}
		applied.RoleDeltas = append(applied.RoleDeltas, AppliedDelta{
			VersionID:     versionID,
			Role:          delta.Role,
			MemoryKey:     delta.MemoryKey,
			MemoryVersion: newVersion,
		})
	}

	inserted, err := db.InsertOpenLoops(ctx, tx, req.NewLoops, req.ClientID, newVersion)
	if err != nil {
		return nil, err
	}
	closed, err := db.CloseOpenLoops(ctx, tx, req.ClosedLoops, req.ClientID, newVersion)
	if err != nil {
		return nil, err
	}
	applied.OpenLoops = AppliedLoops{Inserted: inserted, Closed: closed}

	nextActions := []string{}
	for _, loop := range inserted {
		nextActions = append(nextActions, loop.Title)
		if len(nextActions) == 3 {
			break
		}
	}
	summary := map[string]any{
		"session_summary":      req.SessionSummary,
		"role_delta_count":     len(req.RoleDeltas) - req.DecisionCount,
		"decision_delta_count": req.DecisionCount,
		"files_touched":        req.FilesTouched,
		"open_loops_new":       len(inserted),
		"open_loops_closed":    len(closed),
		"next_actions":         nextActions,
	}
	handoffID, expiresAt, err := db.InsertHandoffPacket(ctx, tx, req.SessionID, summary, req.ClientID, newVersion, req.HandoffTTL)
	if err != nil {
		return nil, err
	}
	applied.Handoff = AppliedHandoff{HandoffID: handoffID, TTLExpiresAt: expiresAt}

	jobID, err := db.EnqueueCatalogJob(ctx, tx, types.JobIncrementalRefresh, types.JobPayload{
		FilesTouched:  req.FilesTouched,
		MemoryVersion: newVersion,
		SyncID:        syncID,
		SessionID:     req.SessionID,
	}, 0)
	if err != nil {
		return nil, err
	}

	// The catalog has not caught up with this write yet; the link is degraded
	// until the enqueued job completes and links ok.
	catalogVersion := "sha256:unknown"
	if meta, err := db.CatalogMeta(ctx); err != nil {
		return nil, err
	} else if meta != nil {
		catalogVersion = meta.CatalogVersion
	}
	if _, err := db.InsertConsistencyLink(ctx, tx, syncID, newVersion, catalogVersion, types.ConsistencyDegraded); err != nil {
		return nil, err
	}

	response := &PushResponse{
		SyncID:        syncID,
		MemoryVersion: newVersion,
		ConsistencyStamp: types.ConsistencyStamp{
			MemoryVersion:  newVersion,
			CatalogVersion: catalogVersion,
			Consistency:    types.ConsistencyDegraded,
		},
		Conflicts:  []types.Conflict{},
		Status:     "ok",
		Applied:    applied,
		CatalogJob: &JobRef{JobID: jobID, Status: types.JobPending},
	}

	err = db.InsertSyncAudit(ctx, tx, types.AuditEntry{
		SyncID:    syncID,
		Direction: "push",
		ClientID:  req.ClientID,
		SessionID: req.SessionID,
		Request:   marshalAudit(args),
		Response: marshalAudit(map[string]any{
			"status":         "ok",
			"memory_version": newVersion,
			"job_id":         jobID,
		}),
		LatencyMS: time.Since(started).Milliseconds(),
	})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return response, nil
}

// ResolveConflict settles a needs_resolution push. accept_theirs keeps the
// server state, keep_mine force-pushes the caller's deltas, merge_note
// force-pushes a merged value that preserves both sides.
func (e *Engine) ResolveConflict(ctx context.Context, args map[string]any) (*ResolveResponse, error) {
	started := time.Now()
	if err := MissingFields(args, "project_id", "client_id", "session_id", "strategy"); err != nil {
		return nil, err
	}
	if _, ok := args["role_deltas"]; !ok {
		return nil, errs.New(errs.CodeMissingRequiredFields, "missing required fields: role_deltas").
			WithDetails(map[string]any{"missing": []string{"role_deltas"}})
	}

	projectID := args["project_id"].(string)
	clientID := args["client_id"].(string)
	sessionID := args["session_id"].(string)
	strategy := args["strategy"].(string)

	switch strategy {
	case "accept_theirs":
		return e.resolveAcceptTheirs(ctx, started, projectID, clientID, sessionID, args)
	case "keep_mine":
		return e.resolveForcePush(ctx, args, strategy, "conflict resolved: keep_mine")
	case "merge_note":
		merged, err := e.mergeNoteDeltas(ctx, projectID, args)
		if err != nil {
			return nil, err
		}
		args = cloneArgs(args)
		args["role_deltas"] = merged
		return e.resolveForcePush(ctx, args, strategy, "conflict resolved: merge_note")
	default:
		return nil, errs.Newf(errs.CodeInvalidConflictStrategy,
			"strategy must be accept_theirs, keep_mine or merge_note, got %q", strategy)
	}
}

func (e *Engine) resolveAcceptTheirs(ctx context.Context, started time.Time, projectID, clientID, sessionID string, args map[string]any) (*ResolveResponse, error) {
	db, err := e.store.Connect(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	latest, err := db.LatestConsistency(ctx)
	if err != nil {
		return nil, err
	}

	syncID := storage.NewID("sync")
	response := &ResolveResponse{
		SyncID:        syncID,
		Status:        "ok",
		Strategy:      "accept_theirs",
		MemoryVersion: latest.MemoryVersion,
		ConsistencyStamp: types.ConsistencyStamp{
			MemoryVersion:  latest.MemoryVersion,
			CatalogVersion: latest.CatalogVersion,
			Consistency:    latest.ConsistencyStatus,
		},
		Conflicts: []types.Conflict{},
		Applied:   "no_write",
	}

	err = db.InsertSyncAudit(ctx, db, types.AuditEntry{
		SyncID:    syncID,
		Direction: "resolve_conflict",
		ClientID:  clientID,
		SessionID: sessionID,
		Request:   marshalAudit(args),
		Response:  marshalAudit(map[string]any{"status": "ok", "applied": "no_write"}),
		LatencyMS: time.Since(started).Milliseconds(),
	})
	if err != nil {
		return nil, err
	}
	return response, nil
}

// resolveForcePush re-runs the payload as a stampless push so conflict
// detection is skipped, then reshapes the result.
func (e *Engine) resolveForcePush(ctx context.Context, args map[string]any, strategy, defaultSummary string) (*ResolveResponse, error) {
	forced := cloneArgs(args)
	forced["context_stamp"] = nil
	if summary, _ := forced["session_summary"].(string); strings.TrimSpace(summary) == "" {
		forced["session_summary"] = defaultSummary
	}
	delete(forced, "strategy")

	pushed, err := e.Push(ctx, forced)
	if err != nil {
		return nil, err
	}
	return &ResolveResponse{
		SyncID:           pushed.SyncID,
		Status:           pushed.Status,
		Strategy:         strategy,
		MemoryVersion:    pushed.MemoryVersion,
		ConsistencyStamp: pushed.ConsistencyStamp,
		Conflicts:        pushed.Conflicts,
	}, nil
}

// mergeNoteDeltas rewrites each delta's value to carry both sides: the
// caller's value, the current server value and a note.
func (e *Engine) mergeNoteDeltas(ctx context.Context, projectID string, args map[string]any) ([]any, error) {
	deltas, err := listField(args, "role_deltas")
	if err != nil {
		return nil, err
	}

	db, err := e.store.Connect(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	merged := make([]any, 0, len(deltas))
	for _, raw := range deltas {
		item, ok := raw.(map[string]any)
		if !ok {
			merged = append(merged, raw)
			continue
		}
		item = cloneArgs(item)

		role, _ := item["role"].(string)
		memoryKey, _ := item["memory_key"].(string)
		normalizedRole, roleErr := policy.NormalizeRole(role)

		var theirs any
		if roleErr == nil && memoryKey != "" {
			current, err := db.FetchCurrentValue(ctx, normalizedRole, memoryKey)
			if err != nil {
				return nil, err
			}
			if current != nil {
				theirs = json.RawMessage(current.Value)
			}
		}

		note, _ := item["note"].(string)
		if note == "" {
			note = "auto merged by merge_note strategy"
		}
		item["value"] = map[string]any{
			"resolution": "merge_note",
			"mine":       item["value"],
			"theirs":     theirs,
			"note":       note,
		}
		merged = append(merged, item)
	}
	return merged, nil
}

// AuditList returns one page of the audit trail, newest first, optionally
// filtered by direction.
func (e *Engine) AuditList(ctx context.Context, args map[string]any) (*AuditListResponse, error) {
	if err := MissingFields(args, "project_id"); err != nil {
		return nil, err
	}
	projectID := args["project_id"].(string)

	limit := DefaultAuditLimit
	if raw, ok := args["limit"]; ok && raw != nil {
		value, ok := intValue(raw)
		if !ok || value < 1 || value > MaxAuditLimit {
			return nil, errs.Newf(errs.CodeInvalidAuditQuery,
				"limit must be an integer between 1 and %d", MaxAuditLimit)
		}
		limit = int(value)
	}
	direction, _ := args["direction"].(string)

	db, err := e.store.Connect(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	items, err := db.ListSyncAudit(ctx, limit, direction)
	if err != nil {
		return nil, err
	}
	return &AuditListResponse{
		ProjectID: projectID,
		Limit:     limit,
		Count:     len(items),
		Items:     items,
	}, nil
}

// RecordToolError writes an audit row for a failed tool call. Invalid or
// missing project ids are skipped: there is no database to audit into.
func (e *Engine) RecordToolError(ctx context.Context, tool string, args map[string]any, code, message string) {
	projectID, _ := args["project_id"].(string)
	if storage.ValidateProjectID(projectID) != nil {
		return
	}
	clientID, _ := args["client_id"].(string)
	if clientID == "" {
		clientID = "unknown"
	}
	sessionID, _ := args["session_id"].(string)
	if sessionID == "" {
		sessionID = "unknown"
	}

	db, err := e.store.Connect(ctx, projectID)
	if err != nil {
		return
	}
	defer db.Close()

	_ = db.InsertSyncAudit(ctx, db, types.AuditEntry{
		SyncID:    storage.NewID("err"),
		Direction: toolDirection(tool),
		ClientID:  clientID,
		SessionID: sessionID,
		Request:   marshalAudit(map[string]any{"tool": tool, "arguments": args}),
		Response: marshalAudit(map[string]any{
			"status":     "error",
			"error_code": code,
			"message":    message,
		}),
		ErrorCode: code,
	})
}

func toolDirection(tool string) string {
	switch tool {
	case "session.sync.pull":
		return "pull"
	case "session.sync.push":
		return "push"
	case "session.sync.resolve_conflict":
		return "resolve_conflict"
	case "catalog.brief.generate":
		return "catalog_brief"
	case "catalog.health.check":
		return "catalog_health"
	default:
		return "tool_error"
	}
}

func cloneArgs(args map[string]any) map[string]any {
	clone := make(map[string]any, len(args))
	for key, value := range args {
		clone[key] = value
	}
	return clone
}

func marshalAudit(value any) json.RawMessage {
	encoded, err := json.Marshal(value)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return encoded
}
