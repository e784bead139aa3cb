// Package rpc is the line-delimited JSON-RPC transport: one request per line
// on stdin, one response per line on stdout. It owns no business logic; every
// tool call is delegated to the session engine or the catalog service and
// every failure is mapped to a stable error envelope.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"

	"github.com/untoldecay/memory-hub/internal/catalog"
	"github.com/untoldecay/memory-hub/internal/errs"
	"github.com/untoldecay/memory-hub/internal/policy"
	"github.com/untoldecay/memory-hub/internal/session"
)

// maxLineBytes bounds one request line.
const maxLineBytes = 10 * 1024 * 1024

// Server reads requests from in and writes responses to out, one JSON object
// per line. It is single-threaded: requests are handled in arrival order.
type Server struct {
	engine  *session.Engine
	catalog *catalog.Service
	in      io.Reader
	out     io.Writer
	logger  *log.Logger
}

// NewServer creates a Server over the given streams.
func NewServer(engine *session.Engine, catalogService *catalog.Service, in io.Reader, out io.Writer, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		engine:  engine,
		catalog: catalogService,
		in:      in,
		out:     out,
		logger:  logger,
	}
}

// Serve runs the request loop until EOF, a shutdown/exit request, or context
// cancellation.
func (s *Server) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(Response{
				JSONRPC: "2.0",
				ID:      json.RawMessage("null"),
				Error:   &Error{Code: CodeParseError, Message: "Parse error"},
			})
			continue
		}

		response, stop := s.handle(ctx, &req)
		if response != nil {
			s.write(*response)
		}
		if stop {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read request stream: %w", err)
	}
	return nil
}

func (s *Server) handle(ctx context.Context, req *Request) (*Response, bool) {
	switch req.Method {
	case "initialize":
		return s.result(req, InitializeResult{
			ProtocolVersion: ProtocolVersion,
			ServerInfo:      ServerInfo{Name: ServerName, Version: ServerVersion},
			Capabilities:    map[string]any{"tools": map[string]any{}},
		}), false
	case "tools/list":
		return s.result(req, map[string]any{"tools": Tools()}), false
	case "tools/call":
		return s.handleCall(ctx, req), false
	case "shutdown", "exit":
		return s.result(req, map[string]any{"ok": true}), true
	default:
		if isNotification(req) {
			return nil, false
		}
		return s.fail(req, CodeMethodNotFound, "Method not found", nil), false
	}
}

func (s *Server) handleCall(ctx context.Context, req *Request) *Response {
	var params CallParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return s.fail(req, CodeInvalidParams, "Invalid params", nil)
	}
	args := params.Arguments
	if args == nil {
		args = map[string]any{}
	}

	result, err := s.callTool(ctx, params.Name, args)
	if err != nil {
		var business *errs.BusinessError
		if errors.As(err, &business) {
			s.engine.RecordToolError(ctx, params.Name, args, business.ErrorCode, business.Message)
			return s.fail(req, CodeBusinessError, business.Message, business.Payload())
		}
		s.logger.Printf("tool %s failed: %v", params.Name, err)
		s.engine.RecordToolError(ctx, params.Name, args, errs.CodeToolCallFailed, err.Error())
		return s.fail(req, CodeInternalError, "Tool call failed",
			map[string]any{"message": err.Error()})
	}
	return s.result(req, map[string]any{"content": result})
}

func (s *Server) callTool(ctx context.Context, name string, args map[string]any) (any, error) {
	switch name {
	case ToolPull:
		return s.engine.Pull(ctx, args)
	case ToolPush:
		return s.engine.Push(ctx, args)
	case ToolResolveConflict:
		return s.engine.ResolveConflict(ctx, args)
	case ToolAuditList:
		return s.engine.AuditList(ctx, args)
	case ToolCatalogBrief:
		return s.callCatalogBrief(ctx, args)
	case ToolCatalogHealth:
		if err := session.MissingFields(args, "project_id"); err != nil {
			return nil, err
		}
		return s.catalog.HealthCheck(ctx, args["project_id"].(string))
	default:
		return nil, errs.Newf(errs.CodeToolCallFailed, "unknown tool: %s", name)
	}
}

func (s *Server) callCatalogBrief(ctx context.Context, args map[string]any) (any, error) {
	if err := session.MissingFields(args, "project_id", "task_prompt"); err != nil {
		return nil, err
	}
	taskPrompt := args["task_prompt"].(string)
	requested, _ := args["task_type"].(string)
	taskType := policy.ResolveTaskType(taskPrompt, requested)

	budget := 0
	if raw, ok := args["token_budget"].(float64); ok && raw == math.Trunc(raw) && raw > 0 {
		budget = int(raw)
	}
	return s.catalog.Generate(ctx, args["project_id"].(string), taskPrompt, taskType, budget)
}

func (s *Server) result(req *Request, payload any) *Response {
	return &Response{JSONRPC: "2.0", ID: requestID(req), Result: payload}
}

func (s *Server) fail(req *Request, code int, message string, data any) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      requestID(req),
		Error:   &Error{Code: code, Message: message, Data: data},
	}
}

func (s *Server) write(response Response) {
	encoded, err := json.Marshal(response)
	if err != nil {
		s.logger.Printf("failed to encode response: %v", err)
		return
	}
	if _, err := s.out.Write(append(encoded, '\n')); err != nil {
		s.logger.Printf("failed to write response: %v", err)
	}
}

func isNotification(req *Request) bool {
	return len(req.ID) == 0 || string(req.ID) == "null"
}

func requestID(req *Request) json.RawMessage {
	if len(req.ID) == 0 {
		return json.RawMessage("null")
	}
	return req.ID
}
