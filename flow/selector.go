package flow

import "github.com/hupe1980/supportmesh/core"

// Selector determines which flow to use for an agent in the current turn.
type Selector struct {
	executor FunctionExecutor
}

// NewSelector creates a new flow selector sharing executor across flows.
func NewSelector(executor FunctionExecutor) *Selector { return &Selector{executor: executor} }

// SelectFlow returns a MultiAgentFlow when the agent may hand off right now,
// else a SingleAgentFlow.
func (s *Selector) SelectFlow(runCtx *core.RunContext, agent FlowAgent) Flow {
	if len(runCtx.Targets) == 0 || runCtx.Handoff == nil {
		return NewSingleAgentFlow(agent, s.executor)
	}
	return NewMultiAgentFlow(agent, s.executor)
}
