// Package runner implements the orchestration layer of supportmesh.
//
// The Runner is the single entry point for inbound messages, whether they
// come from the chat widget, the API or a voice call. For each message it
//   - resolves (or creates) the conversation, binding widget sessions through
//     the injected cache
//   - builds the turn's AgentContext
//   - consults the auth gate and short circuits with the pending login step
//   - persists the user message and loads the history window
//   - runs the engine and forwards its events unchanged
//   - persists the answer and feeds the escalation router once the turn
//     settles, before the terminal event reaches the caller
//
// Public methods are safe for concurrent use.
package runner
