package tool

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/hupe1980/supportmesh/core"
	"github.com/hupe1980/supportmesh/internal/util"
)

// Func is the signature of a FunctionTool implementation.
type Func func(toolCtx *core.ToolContext, args map[string]any) (any, error)

// FunctionTool exposes a plain Go function as a tool.
//
// Arguments are validated against the declared JSON schema before the
// function runs. Validation failures are returned to the model as a Failure
// payload so it can correct the call; errors returned by the function are
// normalized to *ToolError:
//
//	*ToolError (returned directly)  -> forwarded unchanged
//	other error                     -> *ToolError{Code: "EXECUTION_ERROR"}
//
// A FunctionTool has no mutable state after construction and is safe for
// concurrent use.
type FunctionTool struct {
	name        string
	description string
	parameters  map[string]any
	fn          Func

	executing string
	completed string

	compileOnce sync.Once
	schema      *jsonschema.Schema
	schemaErr   error
}

// FunctionOption customizes a FunctionTool.
type FunctionOption func(*FunctionTool)

// WithMessages sets the UI notification messages.
func WithMessages(executing, completed string) FunctionOption {
	return func(t *FunctionTool) {
		t.executing = executing
		t.completed = completed
	}
}

// NewFunctionTool constructs a FunctionTool from explicit schema and function.
//
// Example:
//
//	hours := NewFunctionTool(
//	  "opening_hours",
//	  "Return the opening hours for a weekday",
//	  map[string]any{
//	    "type": "object",
//	    "properties": map[string]any{
//	      "day": map[string]any{"type": "string"},
//	    },
//	    "required": []string{"day"},
//	  },
//	  func(tc *core.ToolContext, args map[string]any) (any, error) {
//	    v, _ := tc.AgentContext().Variable("hours")
//	    return map[string]any{"day": args["day"], "hours": v}, nil
//	  },
//	)
func NewFunctionTool(name, description string, parameters map[string]any, fn Func, opts ...FunctionOption) *FunctionTool {
	t := &FunctionTool{
		name:        name,
		description: description,
		parameters:  parameters,
		fn:          fn,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewFunctionToolFromStruct derives the parameter schema from a struct using
// reflection (see util.CreateSchema).
func NewFunctionToolFromStruct(name, description string, structType any, fn Func, opts ...FunctionOption) *FunctionTool {
	return NewFunctionTool(name, description, util.CreateSchema(structType), fn, opts...)
}

// Name returns the unique tool name used in function call declarations and routing.
func (t *FunctionTool) Name() string { return t.name }

// Description returns the short natural language description exposed to models.
func (t *FunctionTool) Description() string { return t.description }

// Parameters returns the JSON schema describing expected arguments.
func (t *FunctionTool) Parameters() map[string]any { return t.parameters }

// ExecutingMessage implements Notifier.
func (t *FunctionTool) ExecutingMessage() string { return t.executing }

// CompletedMessage implements Notifier.
func (t *FunctionTool) CompletedMessage() string { return t.completed }

// Call validates args and invokes the wrapped function.
func (t *FunctionTool) Call(toolCtx *core.ToolContext, args map[string]any) (any, error) {
	logger := toolCtx.Logger()
	start := time.Now()

	logger.Debug("tool.call.start", "tool", t.name, "fc_id", toolCtx.FunctionCallID())

	t.compileOnce.Do(func() {
		t.schema, t.schemaErr = util.CompileSchema(t.parameters)
	})
	if t.schemaErr != nil {
		return nil, &ToolError{Tool: t.name, Message: t.schemaErr.Error(), Code: CodeExecution}
	}

	if err := util.ValidateArgs(t.schema, args); err != nil {
		logger.Warn("tool.call.validation_failed", "tool", t.name, "error", err.Error())

		return NewFailure(CodeValidation, fmt.Sprintf("parameter validation failed: %v", err), true), nil
	}

	result, err := t.fn(toolCtx, args)
	if err != nil {
		var toolErr *ToolError
		if errors.As(err, &toolErr) {
			logger.Error("tool.call.error", "tool", t.name, "error", toolErr.Message)

			return nil, toolErr
		}

		logger.Error("tool.call.error", "tool", t.name, "error", err.Error())

		return nil, &ToolError{
			Tool:    t.name,
			Message: err.Error(),
			Code:    CodeExecution,
		}
	}

	logger.Info("tool.call.success", "tool", t.name, "duration_ms", time.Since(start).Milliseconds(), "failure", IsFailure(result))

	return result, nil
}
