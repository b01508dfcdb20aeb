package core

import (
	"context"

	"github.com/hupe1980/supportmesh/logging"
)

// EventActions are the orchestration side effects requested by a tool call.
type EventActions struct {
	TransferToAgent  *string
	Escalate         bool
	EscalationReason string
}

// ToolContext provides a constrained surface for tool implementations: the
// read-only AgentContext, cancellation, identifiers, a logger and recorders
// for hand-off, escalation and source citation.
type ToolContext struct {
	runCtx         *RunContext
	functionCallID string
	eventActions   EventActions

	*scopedLogger
}

// NewToolContext constructs a tool context bound to a parent RunContext
// and unique functionCallID.
func NewToolContext(runCtx *RunContext, functionCallID string) *ToolContext {
	return &ToolContext{
		runCtx:         runCtx,
		functionCallID: functionCallID,
		scopedLogger:   newScopedLogger(runCtx.Logger(), "function_call_id", functionCallID),
	}
}

// Context returns the context associated with the tool invocation.
func (tc *ToolContext) Context() context.Context { return tc.runCtx.Context }

// ConversationID returns the conversation the turn belongs to.
func (tc *ToolContext) ConversationID() string { return tc.runCtx.ConversationID }

// TurnID returns the turn identifier.
func (tc *ToolContext) TurnID() string { return tc.runCtx.TurnID }

// FunctionCallID returns the function call ID associated with the tool invocation.
func (tc *ToolContext) FunctionCallID() string { return tc.functionCallID }

// AgentID returns the id of the agent that requested the call.
func (tc *ToolContext) AgentID() string { return tc.runCtx.Agent.ID }

// AgentContext returns the turn's read-only configuration.
func (tc *ToolContext) AgentContext() *AgentContext { return tc.runCtx.AgentContext }

// Logger returns the logger associated with the tool invocation.
func (tc *ToolContext) Logger() logging.Logger { return tc.scopedLogger.Logger() }

// Actions returns the event actions accumulated in the tool context.
func (tc *ToolContext) Actions() *EventActions { return &tc.eventActions }

// TransferToAgent asks the orchestrator to hand the turn to target. The
// request is validated immediately; on rejection the caller keeps the turn.
func (tc *ToolContext) TransferToAgent(target string) error {
	if tc.runCtx.Handoff == nil {
		return ErrHandoffRejected
	}

	if err := tc.runCtx.Handoff(target); err != nil {
		tc.LogWarn("tool.transfer.rejected", "from_agent", tc.AgentID(), "to_agent", target, "error", err.Error())
		return err
	}

	tc.eventActions.TransferToAgent = &target
	tc.LogInfo("tool.transfer.request", "from_agent", tc.AgentID(), "to_agent", target, "function_call_id", tc.functionCallID)

	return nil
}

// Escalate requests human takeover of the conversation.
func (tc *ToolContext) Escalate(reason string) {
	tc.eventActions.Escalate = true
	tc.eventActions.EscalationReason = reason
	if tc.runCtx.Turn != nil {
		tc.runCtx.Turn.RequestEscalation(reason)
	}
	tc.LogInfo("tool.escalate.request", "agent", tc.AgentID(), "function_call_id", tc.functionCallID)
}

// CiteSources attaches knowledge sources to the turn's final metadata.
func (tc *ToolContext) CiteSources(sources ...Source) {
	if tc.runCtx.Turn != nil {
		tc.runCtx.Turn.AddSources(sources...)
	}
}
