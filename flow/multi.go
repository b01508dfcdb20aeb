package flow

// MultiAgentFlow runs an agent that may hand the turn to another agent. On
// top of the single-agent processors it offers the transfer_to_agent tool for
// the targets the dispatcher currently allows.
type MultiAgentFlow struct{ *BaseFlow }

// NewMultiAgentFlow creates a flow with transfer support.
func NewMultiAgentFlow(agent FlowAgent, executor FunctionExecutor) *MultiAgentFlow {
	baseFlow := NewBaseFlow(agent, executor)
	baseFlow.allowTransfer = true

	baseFlow.AddRequestProcessor(NewInstructionsProcessor())
	baseFlow.AddRequestProcessor(NewContentsProcessor())
	baseFlow.AddRequestProcessor(NewHandoffProcessor())

	return &MultiAgentFlow{BaseFlow: baseFlow}
}
