// Package engine executes conversation turns.
//
// A turn flows through these phases:
//
//	thinking -> (tool_call)* -> delta* -> complete
//	          \_______________________________/-> error
//
// The engine resolves the entry agent with the dispatch package, binds the
// agent spec to its model and tools with the agent package and runs it
// through a flow. Hand-offs requested with transfer_to_agent are validated
// immediately by the turn's dispatch.Routing; an accepted hand-off emits a
// notification and the receiving agent continues the turn with the same
// stream, model-call budget and accumulated metadata.
//
// # Concurrency
//
// Every turn runs in its own goroutine. Turns of one conversation are
// serialized by a FIFO lock; waiting is cancellable and a cancelled waiter
// produces no events. Tool calls of one model response run concurrently
// (see flow.FunctionExecutor) while their events stay deterministic.
//
// # Errors
//
// Failures end the turn with a single error event carrying a stable code
// (core.ErrorCode). Tool crashes are not failures: they are reported as
// tool_call(failed) plus a notification and the turn continues.
//
// # Callbacks
//
// CallbackManager hooks run before the turn, before each agent, on every
// accepted hand-off and after the turn. Turn.AfterTurn is the per-turn
// variant; the runner uses it to persist the answer and feed the escalation
// router before the terminal event reaches the caller.
package engine
