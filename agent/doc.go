// Package agent binds a declarative core.AgentSpec to what one turn needs to
// run it: the resolved model, the tools resolved against the turn's
// AgentContext and the rendered system prompt.
//
//   - ModelAgent implements flow.FlowAgent
//   - Binder resolves model ids and tool names through their registries
//   - Instruction renders prompt templates over the plain variables
//
// Agents are built per turn and discarded afterwards; specs stay immutable.
package agent
