// Package flow runs one agent's share of a turn: it builds model requests
// through pluggable processors, relays streamed text to the turn's event
// stream, executes requested tools and loops until the agent answers or hands
// the turn to another agent.
package flow

import (
	"github.com/hupe1980/supportmesh/core"
	"github.com/hupe1980/supportmesh/model"
	"github.com/hupe1980/supportmesh/tool"
)

// Flow defines the interface for agent execution flows.
type Flow interface {
	// Run drives the agent until it answers or hands off. Text is streamed to
	// runCtx.Stream; the terminal event is left to the caller.
	Run(runCtx *core.RunContext) (Outcome, error)
}

// Outcome is the result of a flow run.
type Outcome struct {
	// TransferTo names the agent that received the turn. Empty when the
	// agent answered itself.
	TransferTo string
	// Rounds is the number of model calls made by the agent.
	Rounds int
}

// FlowAgent defines the interface that agents must implement to work with flows.
type FlowAgent interface {
	// ID returns the agent's identifier within its package.
	ID() string

	// Model returns the language model instance.
	Model() model.Model

	// ResolveInstructions returns the rendered system prompt.
	ResolveInstructions(runCtx *core.RunContext) (string, error)

	// Tools returns the tools resolved for this turn, keyed by name.
	Tools() map[string]tool.Tool

	// Temperature returns the sampling temperature override, if any.
	Temperature() *float64

	// IsStreamingEnabled returns whether streaming responses are enabled.
	IsStreamingEnabled() bool

	// MaxHistoryMessages returns the history window handed to the model.
	MaxHistoryMessages() int

	// ToolMessages returns the UI notification texts for a tool.
	ToolMessages(toolName string) (executing, completed string)
}

// RequestProcessor processes the request before sending it to the LLM.
type RequestProcessor interface {
	// Name returns the processor's identifier.
	Name() string
	// ProcessRequest modifies the chat request before LLM execution.
	ProcessRequest(runCtx *core.RunContext, req *model.Request, agent FlowAgent) error
}

// ResponseProcessor processes the final response of a model round.
type ResponseProcessor interface {
	// Name returns the processor's identifier.
	Name() string
	// ProcessResponse may inspect or rewrite the final response.
	ProcessResponse(runCtx *core.RunContext, resp *model.Response, agent FlowAgent) error
}
