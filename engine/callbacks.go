package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/supportmesh/core"
)

// CallbackType defines the lifecycle points of a turn where callbacks run.
//
// Before* callbacks run synchronously and abort the turn when they return an
// error. OnHandoff and AfterTurn are observers; their errors are logged.
type CallbackType string

const (
	// CallbackBeforeTurn runs once the conversation's turn lock is held.
	CallbackBeforeTurn CallbackType = "before_turn"

	// CallbackBeforeAgent runs before an agent takes the turn.
	CallbackBeforeAgent CallbackType = "before_agent"

	// CallbackOnHandoff runs after an accepted hand-off.
	CallbackOnHandoff CallbackType = "on_handoff"

	// CallbackAfterTurn runs once the turn settled, right before its
	// terminal event is emitted.
	CallbackAfterTurn CallbackType = "after_turn"
)

// CallbackContext carries what a callback may inspect.
type CallbackContext struct {
	ConversationID string
	TurnID         string
	AgentID        string
	// Target is the receiving agent of a hand-off.
	Target string
	// Summary is set for after_turn.
	Summary *core.TurnSummary
	// Content is the answer text delivered so far.
	Content string
	// Err is the error that ended the turn, if any.
	Err error
	// Abandoned reports that the caller went away; no terminal event follows.
	Abandoned    bool
	CallbackType CallbackType
}

// Callback is a turn lifecycle hook. Implementations must be fast and safe
// for concurrent use; turns of different conversations run in parallel.
type Callback interface {
	Type() CallbackType
	Execute(ctx context.Context, callbackCtx *CallbackContext) error
}

// FunctionCallback wraps a function as a callback implementation.
//
// Example:
//
//	audit := NewFunctionCallback(CallbackAfterTurn, func(ctx context.Context, cc *CallbackContext) error {
//	    log.Printf("turn %s used %v", cc.TurnID, cc.Summary.ToolsUsed)
//	    return nil
//	})
type FunctionCallback struct {
	callbackType CallbackType
	fn           func(ctx context.Context, callbackCtx *CallbackContext) error
}

// NewFunctionCallback creates a callback from fn.
func NewFunctionCallback(
	callbackType CallbackType,
	fn func(ctx context.Context, callbackCtx *CallbackContext) error,
) *FunctionCallback {
	return &FunctionCallback{callbackType: callbackType, fn: fn}
}

// Type returns the callback type.
func (c *FunctionCallback) Type() CallbackType { return c.callbackType }

// Execute runs the wrapped function.
func (c *FunctionCallback) Execute(ctx context.Context, callbackCtx *CallbackContext) error {
	if c.fn == nil {
		return nil
	}
	return c.fn(ctx, callbackCtx)
}

// CallbackManager holds callbacks by type and runs them in registration order.
type CallbackManager struct {
	mu        sync.RWMutex
	callbacks map[CallbackType][]Callback
}

// NewCallbackManager creates an empty manager.
func NewCallbackManager() *CallbackManager {
	return &CallbackManager{callbacks: make(map[CallbackType][]Callback)}
}

// RegisterCallback adds a callback.
func (cm *CallbackManager) RegisterCallback(callback Callback) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks[callback.Type()] = append(cm.callbacks[callback.Type()], callback)
}

// ExecuteCallbacks runs the callbacks of callbackType and stops at the first
// error.
func (cm *CallbackManager) ExecuteCallbacks(
	ctx context.Context,
	callbackType CallbackType,
	callbackCtx *CallbackContext,
) error {
	cm.mu.RLock()
	callbacks := append([]Callback(nil), cm.callbacks[callbackType]...)
	cm.mu.RUnlock()

	callbackCtx.CallbackType = callbackType

	for _, cb := range callbacks {
		if err := cb.Execute(ctx, callbackCtx); err != nil {
			return fmt.Errorf("%s callback: %w", callbackType, err)
		}
	}

	return nil
}

// LoggingCallback reports lifecycle points through a plain logging function.
type LoggingCallback struct {
	callbackType CallbackType
	logger       func(message string)
}

// NewLoggingCallback creates a callback that logs each execution.
func NewLoggingCallback(callbackType CallbackType, logger func(message string)) *LoggingCallback {
	return &LoggingCallback{callbackType: callbackType, logger: logger}
}

// Type returns the callback type.
func (c *LoggingCallback) Type() CallbackType { return c.callbackType }

// Execute logs the lifecycle point.
func (c *LoggingCallback) Execute(_ context.Context, cc *CallbackContext) error {
	if c.logger == nil {
		return nil
	}

	msg := fmt.Sprintf("[%s] conversation=%s turn=%s", cc.CallbackType, cc.ConversationID, cc.TurnID)
	if cc.AgentID != "" {
		msg += " agent=" + cc.AgentID
	}
	if cc.Target != "" {
		msg += " target=" + cc.Target
	}
	if cc.Err != nil {
		msg += " error=" + cc.Err.Error()
	}
	c.logger(msg)

	return nil
}
