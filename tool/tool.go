// Package tool implements the uniform capability interface agents invoke
// mid-turn: schema validated arguments, structured business failures that the
// model can recover from, and a registry resolving static tools and
// context-aware factories for an agent spec.
package tool

import (
	"fmt"

	"github.com/hupe1980/supportmesh/core"
)

// Tool is a pluggable capability the model can call.
//
// Call receives the read-only AgentContext through the ToolContext. Expected
// business failures (missing configuration, downstream 4xx, no data) must be
// returned as a Failure value, not as an error: the model sees them as tool
// output and may recover. A returned error or a panic is treated as a crash
// and reported to the caller as a failed tool call.
//
// Implementations must be safe for concurrent use.
type Tool interface {
	// Name returns the unique identifier (snake_case).
	Name() string

	// Description is shown to the model.
	Description() string

	// Parameters returns the JSON schema of the arguments.
	Parameters() map[string]any

	// Call executes the tool with decoded arguments.
	Call(toolCtx *core.ToolContext, args map[string]any) (any, error)
}

// Notifier is implemented by tools that provide UI notification text. The
// messages have no semantic effect.
type Notifier interface {
	ExecutingMessage() string
	CompletedMessage() string
}

// Error codes used by ToolError and Failure.
const (
	CodeValidation    = "VALIDATION_ERROR"
	CodeExecution     = "EXECUTION_ERROR"
	CodeNotFound      = "NOT_FOUND"
	CodeNotConfigured = "NOT_CONFIGURED"
	CodeUpstream      = "UPSTREAM_ERROR"
	CodeRejected      = "REJECTED"
)

// ToolError represents errors that occur during tool execution.
type ToolError struct {
	Tool    string `json:"tool"`              // Name of the tool that failed
	Message string `json:"message"`           // Error message
	Code    string `json:"code"`              // Error code for categorization
	Details any    `json:"details,omitempty"` // Additional error details
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{
		Tool:    tool,
		Message: message,
		Code:    code,
	}
}

// Failure is the structured business failure payload handed back to the
// model as tool output.
type Failure struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

// NewFailure builds a Failure payload.
func NewFailure(code, message string, retryable bool) Failure {
	return Failure{Error: message, Code: code, Retryable: retryable}
}

// IsFailure reports whether a tool result is a business failure.
func IsFailure(result any) bool {
	switch result.(type) {
	case Failure, *Failure:
		return true
	default:
		return false
	}
}
