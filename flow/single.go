package flow

// SingleAgentFlow runs an agent that cannot hand the turn off. It wires the
// default processors for instruction rendering and content assembly.
type SingleAgentFlow struct{ *BaseFlow }

// NewSingleAgentFlow creates a new single-agent flow.
func NewSingleAgentFlow(agent FlowAgent, executor FunctionExecutor) *SingleAgentFlow {
	baseFlow := NewBaseFlow(agent, executor)

	baseFlow.AddRequestProcessor(NewInstructionsProcessor())
	baseFlow.AddRequestProcessor(NewContentsProcessor())

	return &SingleAgentFlow{BaseFlow: baseFlow}
}
