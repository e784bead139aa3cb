// Package policy maps a task prompt to a task type, picks which roles'
// memory a pull should load, and renders the context brief.
package policy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/untoldecay/memory-hub/internal/types"
)

// ValidTaskTypes are the accepted values for a requested task type.
var ValidTaskTypes = map[string]bool{
	types.TaskPlanning:  true,
	types.TaskDesign:    true,
	types.TaskImplement: true,
	types.TaskTest:      true,
	types.TaskReview:    true,
	types.TaskAuto:      true,
}

// ValidRoles are the recognised role namespaces.
var ValidRoles = map[string]bool{
	types.RolePM:        true,
	types.RoleArchitect: true,
	types.RoleDev:       true,
	types.RoleQA:        true,
}

// taskKeywords is checked bucket by bucket in this fixed order; the first
// bucket with any keyword present in the prompt wins.
var taskKeywords = []struct {
	taskType string
	keywords []string
}{
	{types.TaskPlanning, []string{
		"plan", "planning", "roadmap", "milestone", "scope", "requirement",
		"需求", "规划", "里程碑",
	}},
	{types.TaskDesign, []string{
		"design", "architecture", "schema", "interface", "api design",
		"架构", "设计", "方案", "接口",
	}},
	{types.TaskImplement, []string{
		"implement", "implementation", "code", "coding", "fix", "bugfix",
		"refactor", "write", "实现", "开发", "修复", "重构", "写代码",
	}},
	{types.TaskTest, []string{
		"test", "testing", "qa", "regression", "coverage", "验证", "测试", "回归",
	}},
	{types.TaskReview, []string{
		"review", "code review", "审查", "评审", "检查",
	}},
}

// ResolveTaskType honours an explicit non-auto request, otherwise classifies
// the prompt by keywords. Prompts matching nothing default to planning so
// auto pulls bias toward PM and architect context.
func ResolveTaskType(taskPrompt, requestedTaskType string) string {
	requested := strings.ToLower(strings.TrimSpace(requestedTaskType))
	if requested == "" {
		requested = types.TaskAuto
	}
	if ValidTaskTypes[requested] && requested != types.TaskAuto {
		return requested
	}

	text := strings.ToLower(taskPrompt)
	for _, bucket := range taskKeywords {
		for _, keyword := range bucket.keywords {
			if strings.Contains(text, keyword) {
				return bucket.taskType
			}
		}
	}
	return types.TaskPlanning
}

// RolesForTask returns which roles' memory to load, most relevant first.
func RolesForTask(taskType string) []string {
	switch taskType {
	case types.TaskPlanning:
		return []string{types.RolePM, types.RoleArchitect}
	case types.TaskDesign:
		return []string{types.RoleArchitect, types.RolePM}
	case types.TaskImplement:
		return []string{types.RoleArchitect, types.RoleDev}
	case types.TaskTest, types.TaskReview:
		return []string{types.RoleQA, types.RoleDev, types.RoleArchitect}
	default:
		return []string{types.RolePM, types.RoleArchitect}
	}
}

// NormalizeRole lowercases and validates a role name.
func NormalizeRole(role string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(role))
	if !ValidRoles[normalized] {
		return "", fmt.Errorf("invalid role: %s", role)
	}
	return normalized, nil
}

// TruncateToBudget bounds text to max(400, maxTokens*4) bytes, marking the
// cut when it happens.
func TruncateToBudget(text string, maxTokens int) string {
	maxChars := maxTokens * 4
	if maxChars < 400 {
		maxChars = 400
	}
	if len(text) <= maxChars {
		return text
	}
	const suffix = "\n... (truncated)"
	return text[:maxChars-len(suffix)] + suffix
}

// BuildContextBrief renders the pull brief: per-role items (six per role),
// the top open loops and the latest handoff summary, truncated to budget.
func BuildContextBrief(rolePayloads []types.RolePayload, openLoopsTop []types.OpenLoop, handoffLatest *types.Handoff, maxTokens int) string {
	var lines []string
	lines = append(lines, "[Context Brief]")

	if len(rolePayloads) > 0 {
		lines = append(lines, "Roles:")
		for _, payload := range rolePayloads {
			lines = append(lines, fmt.Sprintf("- %s:", payload.Role))
			if len(payload.Items) == 0 {
				lines = append(lines, "  (no items)")
				continue
			}
			items := payload.Items
			if len(items) > 6 {
				items = items[:6]
			}
			for _, item := range items {
				lines = append(lines, fmt.Sprintf("  - %s: %s", item.MemoryKey, renderValue(item.Value)))
			}
		}
	}

	if len(openLoopsTop) > 0 {
		lines = append(lines, "Open Loops (Top):")
		loops := openLoopsTop
		if len(loops) > 3 {
			loops = loops[:3]
		}
		for _, loop := range loops {
			lines = append(lines, fmt.Sprintf("- [%d] %s (%s)", loop.Priority, loop.Title, loop.LoopID))
		}
	}

	if handoffLatest != nil {
		lines = append(lines, "Latest Handoff:")
		lines = append(lines, "- "+renderValue(handoffLatest.Summary))
	}

	return TruncateToBudget(strings.Join(lines, "\n"), maxTokens)
}

// renderValue shows a JSON string bare and everything else as compact JSON.
func renderValue(value json.RawMessage) string {
	var text string
	if err := json.Unmarshal(value, &text); err == nil {
		return text
	}
	return string(value)
}
