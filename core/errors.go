package core

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors shared by stores, the engine and the orchestration layer.
var (
	ErrNotFound             = errors.New("not found")
	ErrConversationNotFound = fmt.Errorf("conversation %w", ErrNotFound)
	ErrConversationClosed   = errors.New("conversation closed")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrCallNotFound         = fmt.Errorf("call session %w", ErrNotFound)
	ErrCallEnded            = errors.New("call session ended")
	ErrEscalationNotFound   = fmt.Errorf("escalation %w", ErrNotFound)
	ErrUnknownAgent         = errors.New("unknown agent")
	ErrHandoffRejected      = errors.New("hand-off rejected")
	ErrHandoffLimit         = errors.New("hand-off limit reached")
	ErrModelUnavailable     = errors.New("model unavailable")
	ErrModelCallLimit       = errors.New("model call limit exceeded")
	ErrTurnInProgress       = errors.New("turn in progress")
	ErrInvalidPackage       = errors.New("invalid package definition")
	ErrStreamClosed         = errors.New("stream closed")
)

// Error codes carried by terminal error events.
const (
	CodeModelUnavailable   = "MODEL_UNAVAILABLE"
	CodeDispatchError      = "DISPATCH_ERROR"
	CodeContextBuildFailed = "CONTEXT_BUILD_FAILED"
	CodeModelCallLimit     = "MODEL_CALL_LIMIT"
	CodeCancelled          = "CANCELLED"
	CodeCallEnded          = "CALL_ENDED"
	CodeInternal           = "INTERNAL"
)

// EngineError is an unrecoverable turn failure with a stable code for the
// terminal error event.
type EngineError struct {
	Code    string
	Message string
	Err     error
}

// NewEngineError wraps err with a terminal error code.
func NewEngineError(code, message string, err error) *EngineError {
	return &EngineError{Code: code, Message: message, Err: err}
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error { return e.Err }

// ErrorCode returns the terminal error code for err. Errors that carry no code
// are classified by their sentinel, falling back to CodeInternal.
func ErrorCode(err error) string {
	var ee *EngineError
	switch {
	case errors.As(err, &ee):
		return ee.Code
	case errors.Is(err, ErrModelUnavailable):
		return CodeModelUnavailable
	case errors.Is(err, ErrModelCallLimit):
		return CodeModelCallLimit
	case errors.Is(err, ErrUnknownAgent), errors.Is(err, ErrInvalidPackage):
		return CodeDispatchError
	case errors.Is(err, ErrCallEnded):
		return CodeCallEnded
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	default:
		return CodeInternal
	}
}
