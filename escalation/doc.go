// Package escalation decides when a conversation needs a human and keeps the
// pickup queue.
//
// The Router evaluates every settled turn. Triggers and their priorities:
//
//	abuse or emergency keywords         urgent
//	consecutive failed turns >= limit   high
//	explicit request (keywords/tool)    medium
//	always-escalate capability used     medium
//
// A conversation has at most one open escalation; a later, more severe
// trigger raises its priority instead of creating a duplicate. Evaluation is
// best effort: failures are logged and never affect the turn.
package escalation
