package core

import (
	"context"
	"slices"
	"sync"

	"github.com/hupe1980/supportmesh/logging"
)

// AgentInfo identifies the agent currently holding a turn.
type AgentInfo struct {
	ID   string
	Role string
}

// HandoffFunc validates and records a transfer of the turn to target. A
// non-nil error means the transfer was rejected and the current agent keeps
// the turn.
type HandoffFunc func(target string) error

// TurnState accumulates what happened during one turn across agents and
// concurrent tool calls.
type TurnState struct {
	mu           sync.Mutex
	toolsUsed    []string
	sources      []Source
	handoffs     []string
	escalations  []string
	toolFailures int
	modelID      string
}

// RecordTool notes a tool invocation; names are kept unique in call order.
func (t *TurnState) RecordTool(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !slices.Contains(t.toolsUsed, name) {
		t.toolsUsed = append(t.toolsUsed, name)
	}
}

// RecordToolFailure counts a crashed tool call.
func (t *TurnState) RecordToolFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.toolFailures++
}

// AddSources records cited knowledge sources, deduplicated by id.
func (t *TurnState) AddSources(sources ...Source) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range sources {
		if !slices.ContainsFunc(t.sources, func(o Source) bool { return o.ID == s.ID }) {
			t.sources = append(t.sources, s)
		}
	}
}

// RecordHandoff appends the agent that received the turn.
func (t *TurnState) RecordHandoff(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handoffs = append(t.handoffs, agentID)
}

// RequestEscalation records a tool initiated request for a human.
func (t *TurnState) RequestEscalation(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.escalations = append(t.escalations, reason)
}

// SetModelID records the model that produced the latest answer.
func (t *TurnState) SetModelID(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.modelID = id
}

// TurnSummary is an immutable snapshot of a TurnState.
type TurnSummary struct {
	ToolsUsed          []string
	Sources            []Source
	Handoffs           []string
	EscalationRequests []string
	ToolFailures       int
	ModelID            string
}

// Summary snapshots the state.
func (t *TurnState) Summary() TurnSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TurnSummary{
		ToolsUsed:          slices.Clone(t.toolsUsed),
		Sources:            slices.Clone(t.sources),
		Handoffs:           slices.Clone(t.handoffs),
		EscalationRequests: slices.Clone(t.escalations),
		ToolFailures:       t.toolFailures,
		ModelID:            t.modelID,
	}
}

// RunContext carries the execution scope of one agent within a turn: the
// cancellation context, identifiers, the read-only AgentContext, the bounded
// history window, the event stream and the shared turn accumulators.
type RunContext struct {
	Context        context.Context
	ConversationID string
	TurnID         string
	Agent          AgentInfo
	AgentContext   *AgentContext
	History        []Content
	UserContent    Content
	Stream         *Stream
	Limiter        *ModelLimiter
	Turn           *TurnState
	Handoff        HandoffFunc
	Targets        []string // agents the current agent may hand the turn to

	*scopedLogger
}

// NewRunContext constructs a RunContext with a fresh TurnState and model
// call limiter.
func NewRunContext(
	ctx context.Context,
	conversationID, turnID string,
	agentCtx *AgentContext,
	userContent Content,
	history []Content,
	stream *Stream,
	maxModelCalls int,
	logger logging.Logger,
) *RunContext {
	return &RunContext{
		Context:        ctx,
		ConversationID: conversationID,
		TurnID:         turnID,
		AgentContext:   agentCtx,
		History:        history,
		UserContent:    userContent,
		Stream:         stream,
		Limiter:        NewModelLimiter(maxModelCalls),
		Turn:           &TurnState{},
		scopedLogger:   newScopedLogger(logger),
	}
}

// Done returns a channel closed when the underlying context is cancelled.
func (rc *RunContext) Done() <-chan struct{} { return rc.Context.Done() }

// Err returns the cancellation error (if any) from the underlying context.
func (rc *RunContext) Err() error { return rc.Context.Err() }

// WithAgent derives a context for another agent of the same turn. Stream,
// limiter and turn state are shared.
func (rc *RunContext) WithAgent(agent AgentInfo, handoff HandoffFunc) *RunContext {
	c := *rc
	c.Agent = agent
	c.Handoff = handoff
	return &c
}

// Emit forwards ev to the turn's stream.
func (rc *RunContext) Emit(ev StreamEvent) error { return rc.Stream.Emit(ev) }

// Notify emits a notification event.
func (rc *RunContext) Notify(message string) error { return rc.Stream.Notify(message) }

// Thinking emits a progress event while the turn is still in its thinking phase.
func (rc *RunContext) Thinking(step string, progress float64) error {
	return rc.Stream.Thinking(step, progress)
}

// scopedLogger gives run and tool contexts Log* shorthands over a logger
// that is never nil.
type scopedLogger struct {
	logger logging.Logger
}

func newScopedLogger(l logging.Logger, args ...any) *scopedLogger {
	if l == nil {
		return &scopedLogger{logger: logging.NoOpLogger{}}
	}
	if len(args) > 0 {
		l = logging.With(l, args...)
	}
	return &scopedLogger{logger: l}
}

// Logger returns the underlying logger.
func (l *scopedLogger) Logger() logging.Logger { return l.logger }

func (l *scopedLogger) LogDebug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *scopedLogger) LogInfo(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *scopedLogger) LogWarn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *scopedLogger) LogError(msg string, args ...any) { l.logger.Error(msg, args...) }
