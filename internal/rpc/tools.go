package rpc

// Tool names. These are the wire contract; renaming one breaks clients.
const (
	ToolPull            = "session.sync.pull"
	ToolPush            = "session.sync.push"
	ToolResolveConflict = "session.sync.resolve_conflict"
	ToolAuditList       = "session.sync.audit.list"
	ToolCatalogBrief    = "catalog.brief.generate"
	ToolCatalogHealth   = "catalog.health.check"
)

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func intProp(description string) map[string]any {
	return map[string]any{"type": "integer", "description": description}
}

func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Tools lists every callable tool with its input schema, in the order
// tools/list reports them.
func Tools() []Tool {
	return []Tool{
		{
			Name:        ToolPull,
			Description: "Pull a task-adaptive context brief: role memory, open loops, latest handoff and a catalog brief.",
			InputSchema: objectSchema(map[string]any{
				"project_id":  stringProp("Project identifier"),
				"client_id":   stringProp("Calling client identifier"),
				"session_id":  stringProp("Session identifier"),
				"task_prompt": stringProp("What the session is about to do"),
				"task_type":   stringProp("Explicit task type (planning|design|implement|test|review|auto)"),
				"max_tokens":  intProp("Context brief token budget (default 1200)"),
			}, "project_id", "client_id", "session_id", "task_prompt"),
		},
		{
			Name:        ToolPush,
			Description: "Push role deltas, decisions, open loop changes and a session summary under optimistic concurrency.",
			InputSchema: objectSchema(map[string]any{
				"project_id":      stringProp("Project identifier"),
				"client_id":       stringProp("Calling client identifier"),
				"session_id":      stringProp("Session identifier"),
				"session_summary": stringProp("Summary of what the session did"),
				"context_stamp": map[string]any{
					"description": "Consistency stamp from the pull this session started from; null forces the push",
				},
				"role_deltas":       map[string]any{"type": "array", "description": "Role memory writes"},
				"decisions_delta":   map[string]any{"type": "array", "description": "Decision records (folded into architect memory)"},
				"open_loops_new":    map[string]any{"type": "array", "description": "Loops to open"},
				"open_loops_closed": map[string]any{"type": "array", "description": "Loops to close, by loop_id or title"},
				"files_touched":     map[string]any{"type": "array", "description": "Workspace files this session changed"},
				"handoff_ttl_hours": intProp("Handoff packet TTL (default 72)"),
			}, "project_id", "client_id", "session_id", "session_summary"),
		},
		{
			Name:        ToolResolveConflict,
			Description: "Resolve a needs_resolution push with accept_theirs, keep_mine or merge_note.",
			InputSchema: objectSchema(map[string]any{
				"project_id":  stringProp("Project identifier"),
				"client_id":   stringProp("Calling client identifier"),
				"session_id":  stringProp("Session identifier"),
				"strategy":    stringProp("accept_theirs | keep_mine | merge_note"),
				"role_deltas": map[string]any{"type": "array", "description": "The deltas from the rejected push"},
			}, "project_id", "client_id", "session_id", "strategy", "role_deltas"),
		},
		{
			Name:        ToolAuditList,
			Description: "List sync audit entries, newest first.",
			InputSchema: objectSchema(map[string]any{
				"project_id": stringProp("Project identifier"),
				"limit":      intProp("Page size, 1-500 (default 50)"),
				"direction":  stringProp("Filter by direction (pull|push|resolve_conflict|...)"),
			}, "project_id"),
		},
		{
			Name:        ToolCatalogBrief,
			Description: "Generate a catalog brief for a prompt without pulling role memory.",
			InputSchema: objectSchema(map[string]any{
				"project_id":   stringProp("Project identifier"),
				"task_prompt":  stringProp("What the brief is for"),
				"task_type":    stringProp("Explicit task type (default auto)"),
				"token_budget": intProp("Brief token budget (default 600)"),
			}, "project_id", "task_prompt"),
		},
		{
			Name:        ToolCatalogHealth,
			Description: "Report catalog freshness, coverage, pending jobs, drift and consistency.",
			InputSchema: objectSchema(map[string]any{
				"project_id": stringProp("Project identifier"),
			}, "project_id"),
		},
	}
}
