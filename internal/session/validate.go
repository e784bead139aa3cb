package session

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/untoldecay/memory-hub/internal/errs"
	"github.com/untoldecay/memory-hub/internal/policy"
	"github.com/untoldecay/memory-hub/internal/types"
)

// PushRequest is a validated, normalized push payload. Decision deltas are
// already folded into RoleDeltas under the architect role.
type PushRequest struct {
	ProjectID      string
	ClientID       string
	SessionID      string
	SessionSummary string

	// BaseVersion is the memory version the client's context stamp carries.
	// -1 means no stamp: the push is forced and skips conflict detection.
	BaseVersion int64

	RoleDeltas    []types.RoleDelta
	DecisionCount int
	NewLoops      []types.NewOpenLoop
	ClosedLoops   []types.LoopRef
	FilesTouched  []string
	HandoffTTL    int
}

// ParsePushRequest validates the raw push arguments and normalizes them.
// Every rejection is a BusinessError whose details name the offending field.
func ParsePushRequest(args map[string]any) (*PushRequest, error) {
	req := &PushRequest{}
	var err error

	if req.ProjectID, err = requireString(args, "project_id"); err != nil {
		return nil, err
	}
	if req.ClientID, err = requireString(args, "client_id"); err != nil {
		return nil, err
	}
	if req.SessionID, err = requireString(args, "session_id"); err != nil {
		return nil, err
	}
	if req.SessionSummary, err = requireString(args, "session_summary"); err != nil {
		return nil, err
	}

	if req.BaseVersion, err = parseContextStamp(args["context_stamp"]); err != nil {
		return nil, err
	}

	deltas, err := listField(args, "role_deltas")
	if err != nil {
		return nil, err
	}
	for i, raw := range deltas {
		delta, err := parseRoleDelta(i, raw)
		if err != nil {
			return nil, err
		}
		req.RoleDeltas = append(req.RoleDeltas, delta)
	}

	decisions, err := listField(args, "decisions_delta")
	if err != nil {
		return nil, err
	}
	for i, raw := range decisions {
		delta, ok, err := parseDecision(i, raw)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		req.RoleDeltas = append(req.RoleDeltas, delta)
		req.DecisionCount++
	}

	newLoops, err := listField(args, "open_loops_new")
	if err != nil {
		return nil, err
	}
	for i, raw := range newLoops {
		loop, err := parseNewLoop(i, raw)
		if err != nil {
			return nil, err
		}
		req.NewLoops = append(req.NewLoops, loop)
	}

	closedLoops, err := listField(args, "open_loops_closed")
	if err != nil {
		return nil, err
	}
	for i, raw := range closedLoops {
		ref, err := parseLoopRef(i, raw)
		if err != nil {
			return nil, err
		}
		req.ClosedLoops = append(req.ClosedLoops, ref)
	}

	touched, err := listField(args, "files_touched")
	if err != nil {
		return nil, err
	}
	for i, raw := range touched {
		path, ok := raw.(string)
		if !ok || strings.TrimSpace(path) == "" {
			return nil, invalidPush(fmt.Sprintf("files_touched[%d]", i),
				"files_touched entries must be non-empty strings")
		}
		req.FilesTouched = append(req.FilesTouched, path)
	}

	if ttl, ok := args["handoff_ttl_hours"]; ok && ttl != nil {
		hours, ok := intValue(ttl)
		if !ok || hours < 0 {
			return nil, invalidPush("handoff_ttl_hours",
				"handoff_ttl_hours must be a non-negative integer")
		}
		req.HandoffTTL = int(hours)
	}

	return req, nil
}

// parseContextStamp extracts the base memory version from a context stamp.
// Accepted forms: null (force push), an object carrying memory_version, and
// the legacy "v<N>" string.
func parseContextStamp(value any) (int64, error) {
	switch stamp := value.(type) {
	case nil:
		return -1, nil
	case map[string]any:
		version, ok := intValue(stamp["memory_version"])
		if !ok || version < 0 {
			return 0, errs.New(errs.CodeInvalidContextStamp,
				"context_stamp.memory_version must be a non-negative integer")
		}
		return version, nil
	case string:
		trimmed := strings.TrimSpace(stamp)
		if rest, ok := strings.CutPrefix(trimmed, "v"); ok {
			if version, err := strconv.ParseInt(rest, 10, 64); err == nil && version >= 0 {
				return version, nil
			}
		}
		return 0, errs.Newf(errs.CodeInvalidContextStamp,
			"context_stamp string must look like \"v<version>\", got %q", stamp)
	default:
		return 0, errs.New(errs.CodeInvalidContextStamp,
			"context_stamp must be an object or null")
	}
}

func parseRoleDelta(index int, raw any) (types.RoleDelta, error) {
	item, ok := raw.(map[string]any)
	if !ok {
		return types.RoleDelta{}, invalidPush(fmt.Sprintf("role_deltas[%d]", index),
			"role_deltas entries must be objects")
	}

	roleRaw, ok := item["role"].(string)
	if !ok || strings.TrimSpace(roleRaw) == "" {
		return types.RoleDelta{}, invalidPush(fmt.Sprintf("role_deltas[%d].role", index),
			"role is required")
	}
	role, err := policy.NormalizeRole(roleRaw)
	if err != nil {
		return types.RoleDelta{}, invalidPush(fmt.Sprintf("role_deltas[%d].role", index),
			err.Error())
	}

	memoryKey, ok := item["memory_key"].(string)
	if !ok || strings.TrimSpace(memoryKey) == "" {
		return types.RoleDelta{}, invalidPush(fmt.Sprintf("role_deltas[%d].memory_key", index),
			"memory_key is required")
	}

	confidence := 0.7
	if raw, ok := item["confidence"]; ok && raw != nil {
		value, ok := raw.(float64)
		if !ok || value < 0 || value > 1 {
			return types.RoleDelta{}, invalidPush(fmt.Sprintf("role_deltas[%d].confidence", index),
				"confidence must be a number between 0 and 1")
		}
		confidence = value
	}

	value, err := json.Marshal(item["value"])
	if err != nil {
		return types.RoleDelta{}, invalidPush(fmt.Sprintf("role_deltas[%d].value", index),
			"value is not serializable")
	}

	var sourceRefs json.RawMessage
	if raw, ok := item["source_refs"]; ok && raw != nil {
		if _, ok := raw.([]any); !ok {
			return types.RoleDelta{}, invalidPush(fmt.Sprintf("role_deltas[%d].source_refs", index),
				"source_refs must be a list or null")
		}
		sourceRefs, _ = json.Marshal(raw)
	}

	return types.RoleDelta{
		Role:       role,
		MemoryKey:  memoryKey,
		Value:      value,
		Confidence: confidence,
		SourceRefs: sourceRefs,
	}, nil
}

// parseDecision folds a decision into an architect role delta keyed either by
// the explicit decision_id or by a slug of the title. Decisions with a
// missing or blank title carry nothing worth storing and are skipped
// (ok = false), not rejected.
func parseDecision(index int, raw any) (types.RoleDelta, bool, error) {
	item, ok := raw.(map[string]any)
	if !ok {
		return types.RoleDelta{}, false, invalidPush(fmt.Sprintf("decisions_delta[%d]", index),
			"decisions_delta entries must be objects")
	}

	title, _ := item["title"].(string)
	title = strings.TrimSpace(title)
	if title == "" {
		return types.RoleDelta{}, false, nil
	}

	memoryKey, _ := item["decision_id"].(string)
	if strings.TrimSpace(memoryKey) == "" {
		memoryKey = fmt.Sprintf("decision::%s::%d", decisionSlug(title), index)
	}

	status, _ := item["status"].(string)
	if status == "" {
		status = "active"
	}
	rationale, _ := item["rationale"].(string)

	confidence := 0.8
	if raw, ok := item["confidence"]; ok && raw != nil {
		value, ok := raw.(float64)
		if !ok || value < 0 || value > 1 {
			return types.RoleDelta{}, false, invalidPush(fmt.Sprintf("decisions_delta[%d].confidence", index),
				"confidence must be a number between 0 and 1")
		}
		confidence = value
	}

	value, err := json.Marshal(map[string]any{
		"title":     title,
		"rationale": rationale,
		"status":    status,
	})
	if err != nil {
		return types.RoleDelta{}, false, invalidPush(fmt.Sprintf("decisions_delta[%d]", index),
			"decision is not serializable")
	}

	return types.RoleDelta{
		Role:       types.RoleArchitect,
		MemoryKey:  memoryKey,
		Value:      value,
		Confidence: confidence,
	}, true, nil
}

func parseNewLoop(index int, raw any) (types.NewOpenLoop, error) {
	item, ok := raw.(map[string]any)
	if !ok {
		return types.NewOpenLoop{}, invalidPush(fmt.Sprintf("open_loops_new[%d]", index),
			"open_loops_new entries must be objects")
	}

	title, _ := item["title"].(string)
	if raw, ok := item["title"]; ok && strings.TrimSpace(title) == "" && raw != nil {
		return types.NewOpenLoop{}, invalidPush(fmt.Sprintf("open_loops_new[%d].title", index),
			"title must be a non-empty string when provided")
	}

	loop := types.NewOpenLoop{Title: title}
	loop.LoopID, _ = item["loop_id"].(string)
	loop.Details, _ = item["details"].(string)
	loop.OwnerRole, _ = item["owner_role"].(string)
	if raw, ok := item["priority"]; ok && raw != nil {
		priority, ok := intValue(raw)
		if !ok || priority < 1 || priority > 5 {
			return types.NewOpenLoop{}, invalidPush(fmt.Sprintf("open_loops_new[%d].priority", index),
				"priority must be an integer between 1 and 5")
		}
		loop.Priority = int(priority)
	}
	return loop, nil
}

// parseLoopRef accepts either a bare string or an object with loop_id/title.
// A bare string with the loop id prefix is an id; anything else is a title.
func parseLoopRef(index int, raw any) (types.LoopRef, error) {
	switch ref := raw.(type) {
	case string:
		if strings.HasPrefix(ref, "loop_") {
			return types.LoopRef{LoopID: ref}, nil
		}
		return types.LoopRef{Title: ref}, nil
	case map[string]any:
		loopID, _ := ref["loop_id"].(string)
		title, _ := ref["title"].(string)
		if loopID == "" && title == "" {
			return types.LoopRef{}, invalidPush(fmt.Sprintf("open_loops_closed[%d]", index),
				"loop reference needs loop_id or title")
		}
		return types.LoopRef{LoopID: loopID, Title: title}, nil
	default:
		return types.LoopRef{}, invalidPush(fmt.Sprintf("open_loops_closed[%d]", index),
			"open_loops_closed entries must be strings or objects")
	}
}

// decisionSlug turns a decision title into a stable key segment: letters and
// digits kept lowercase, runs of anything else collapsed to one dash, capped
// at 48 bytes.
func decisionSlug(title string) string {
	var b strings.Builder
	pendingDash := false
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
			continue
		}
		pendingDash = true
	}

	slug := b.String()
	if len(slug) > 48 {
		slug = slug[:48]
		for len(slug) > 0 && !utf8ValidSuffix(slug) {
			slug = slug[:len(slug)-1]
		}
	}
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return "decision"
	}
	return slug
}

func utf8ValidSuffix(s string) bool {
	return strings.ToValidUTF8(s, "") == s
}

func invalidPush(field, message string) error {
	return errs.New(errs.CodeInvalidPushPayload, message).
		WithDetails(map[string]any{"field": field})
}

func requireString(args map[string]any, name string) (string, error) {
	value, ok := args[name].(string)
	if !ok || strings.TrimSpace(value) == "" {
		return "", invalidPush(name, name+" must be a non-empty string")
	}
	return value, nil
}

func listField(args map[string]any, name string) ([]any, error) {
	raw, ok := args[name]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, invalidPush(name, name+" must be a list")
	}
	return list, nil
}

// intValue accepts the integral numeric shapes JSON decoding can produce.
func intValue(raw any) (int64, bool) {
	switch value := raw.(type) {
	case float64:
		if value != math.Trunc(value) {
			return 0, false
		}
		return int64(value), true
	case int:
		return int64(value), true
	case int64:
		return value, true
	case json.Number:
		parsed, err := value.Int64()
		return parsed, err == nil
	default:
		return 0, false
	}
}

// MissingFields reports which of the named fields are absent or blank,
// returning a MISSING_REQUIRED_FIELDS error listing them.
func MissingFields(args map[string]any, fields ...string) error {
	var missing []string
	for _, field := range fields {
		value, ok := args[field].(string)
		if !ok || strings.TrimSpace(value) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return errs.Newf(errs.CodeMissingRequiredFields,
		"missing required fields: %s", strings.Join(missing, ", ")).
		WithDetails(map[string]any{"missing": missing})
}
