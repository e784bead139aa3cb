// Package errs defines the typed business errors surfaced by every tool.
package errs

import "fmt"

// Stable error codes. These are part of the tool contract: clients branch on
// them, so renaming one is a breaking change.
const (
	CodeInvalidProjectID        = "INVALID_PROJECT_ID"
	CodeInvalidPushPayload      = "INVALID_PUSH_PAYLOAD"
	CodeInvalidContextStamp     = "INVALID_CONTEXT_STAMP"
	CodeInvalidConflictStrategy = "INVALID_CONFLICT_STRATEGY"
	CodeMissingRequiredFields   = "MISSING_REQUIRED_FIELDS"
	CodeWorkspaceMismatch       = "WORKSPACE_MISMATCH"
	CodeInvalidAuditQuery       = "INVALID_AUDIT_QUERY"
	CodeConflictDetected        = "CONFLICT_DETECTED"
	CodeInvalidAcceptanceSample = "INVALID_ACCEPTANCE_SAMPLE"
	CodeToolCallFailed          = "TOOL_CALL_FAILED"
)

// BusinessError is a user-facing failure with a stable code. It is returned
// (never panicked) by validation, the sync engine and the catalog service,
// and mapped to a JSON-RPC error by the transport.
type BusinessError struct {
	ErrorCode string         `json:"error_code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Retryable bool           `json:"retryable"`
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("%s: %s", e.ErrorCode, e.Message)
}

// New creates a non-retryable BusinessError.
func New(code, message string) *BusinessError {
	return &BusinessError{ErrorCode: code, Message: message}
}

// Newf creates a non-retryable BusinessError with a formatted message.
func Newf(code, format string, args ...any) *BusinessError {
	return &BusinessError{ErrorCode: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches structured detail fields and returns the error.
func (e *BusinessError) WithDetails(details map[string]any) *BusinessError {
	e.Details = details
	return e
}

// Payload renders the error for the JSON-RPC error data field.
func (e *BusinessError) Payload() map[string]any {
	payload := map[string]any{
		"error_code": e.ErrorCode,
		"message":    e.Message,
		"retryable":  e.Retryable,
	}
	if len(e.Details) > 0 {
		payload["details"] = e.Details
	}
	return payload
}
