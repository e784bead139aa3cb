package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/untoldecay/memory-hub/internal/catalog"
	"github.com/untoldecay/memory-hub/internal/session"
	"github.com/untoldecay/memory-hub/internal/storage"
)

type testResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  map[string]any  `json:"result"`
	Error   *struct {
		Code    int            `json:"code"`
		Message string         `json:"message"`
		Data    map[string]any `json:"data"`
	} `json:"error"`
}

// runServer feeds the request lines through a server and returns the decoded
// response lines.
func runServer(t *testing.T, lines ...string) []testResponse {
	t.Helper()

	workspace := t.TempDir()
	if err := os.MkdirAll(filepath.Join(workspace, "src"), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(workspace, "src", "app.py"), []byte("import os\n"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	store := storage.New(t.TempDir(), workspace)
	catalogService := catalog.NewService(store, 0, 0)
	engine := session.NewEngine(store, catalogService)

	in := strings.NewReader(strings.Join(lines, "\n") + "\n")
	var out bytes.Buffer
	server := NewServer(engine, catalogService, in, &out, log.New(&bytes.Buffer{}, "", 0))
	if err := server.Serve(context.Background()); err != nil {
		t.Fatalf("Serve failed: %v", err)
	}

	var responses []testResponse
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var response testResponse
		if err := json.Unmarshal([]byte(line), &response); err != nil {
			t.Fatalf("bad response line %q: %v", line, err)
		}
		responses = append(responses, response)
	}
	return responses
}

func request(id any, method string, params any) string {
	message := map[string]any{"jsonrpc": "2.0", "method": method}
	if id != nil {
		message["id"] = id
	}
	if params != nil {
		message["params"] = params
	}
	encoded, _ := json.Marshal(message)
	return string(encoded)
}

func call(id any, tool string, args map[string]any) string {
	return request(id, "tools/call", map[string]any{"name": tool, "arguments": args})
}

func TestInitializeAndToolsList(t *testing.T) {
	responses := runServer(t,
		request(1, "initialize", nil),
		request(2, "tools/list", nil),
	)
	if len(responses) != 2 {
		t.Fatalf("responses = %d, want 2", len(responses))
	}

	info, _ := responses[0].Result["serverInfo"].(map[string]any)
	if responses[0].Result["protocolVersion"] != ProtocolVersion || info["name"] != ServerName {
		t.Errorf("initialize = %+v", responses[0].Result)
	}

	tools, _ := responses[1].Result["tools"].([]any)
	if len(tools) != 6 {
		t.Errorf("tools = %d, want 6", len(tools))
	}
}

func TestToolCallPushAndPull(t *testing.T) {
	pushArgs := map[string]any{
		"project_id":      "proj-rpc",
		"client_id":       "client-a",
		"session_id":      "sess-1",
		"session_summary": "initial push",
		"role_deltas": []any{
			map[string]any{"role": "dev", "memory_key": "k", "value": "v"},
		},
	}
	pullArgs := map[string]any{
		"project_id":  "proj-rpc",
		"client_id":   "client-a",
		"session_id":  "sess-2",
		"task_prompt": "implement the feature",
	}
	responses := runServer(t,
		call(1, ToolPush, pushArgs),
		call(2, ToolPull, pullArgs),
		call(3, ToolCatalogHealth, map[string]any{"project_id": "proj-rpc"}),
	)
	if len(responses) != 3 {
		t.Fatalf("responses = %d, want 3", len(responses))
	}

	pushed, _ := responses[0].Result["content"].(map[string]any)
	if pushed["status"] != "ok" || pushed["memory_version"] != float64(1) {
		t.Errorf("push content = %+v", pushed)
	}

	pulled, _ := responses[1].Result["content"].(map[string]any)
	if pulled["task_type"] != "implement" {
		t.Errorf("pull content task_type = %v", pulled["task_type"])
	}

	health, _ := responses[2].Result["content"].(map[string]any)
	if health["freshness"] == nil {
		t.Errorf("health content = %+v", health)
	}
}

func TestToolCallBusinessErrorEnvelope(t *testing.T) {
	responses := runServer(t,
		call(1, ToolPull, map[string]any{"project_id": "proj-rpc"}),
	)
	if len(responses) != 1 || responses[0].Error == nil {
		t.Fatalf("responses = %+v, want one error", responses)
	}
	if responses[0].Error.Code != CodeBusinessError {
		t.Errorf("code = %d, want %d", responses[0].Error.Code, CodeBusinessError)
	}
	if responses[0].Error.Data["error_code"] != "MISSING_REQUIRED_FIELDS" {
		t.Errorf("data = %+v", responses[0].Error.Data)
	}
}

func TestUnknownMethodAndNotification(t *testing.T) {
	responses := runServer(t,
		request(1, "no/such/method", nil),
		request(nil, "no/such/method", nil),
		request(2, "initialize", nil),
	)
	// The notification gets no response.
	if len(responses) != 2 {
		t.Fatalf("responses = %d, want 2", len(responses))
	}
	if responses[0].Error == nil || responses[0].Error.Code != CodeMethodNotFound {
		t.Errorf("first = %+v, want method-not-found", responses[0])
	}
	if responses[1].Result == nil {
		t.Errorf("second = %+v, want initialize result", responses[1])
	}
}

func TestParseErrorEnvelope(t *testing.T) {
	responses := runServer(t, "this is not json")
	if len(responses) != 1 || responses[0].Error == nil || responses[0].Error.Code != CodeParseError {
		t.Fatalf("responses = %+v, want a parse error", responses)
	}
}

func TestExitStopsTheLoop(t *testing.T) {
	responses := runServer(t,
		request(1, "exit", nil),
		request(2, "initialize", nil),
	)
	if len(responses) != 1 {
		t.Fatalf("responses = %d, want only the exit ack", len(responses))
	}
	if ok, _ := responses[0].Result["ok"].(bool); !ok {
		t.Errorf("exit result = %+v", responses[0].Result)
	}
}

func TestInvalidCallParams(t *testing.T) {
	responses := runServer(t,
		request(1, "tools/call", map[string]any{"arguments": map[string]any{}}),
	)
	if len(responses) != 1 || responses[0].Error == nil || responses[0].Error.Code != CodeInvalidParams {
		t.Fatalf("responses = %+v, want invalid params", responses)
	}
}
