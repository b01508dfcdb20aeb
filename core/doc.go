// Package core provides the domain types shared by the orchestration engine:
//
//   - Packages and agent specs (supervisor and worker templates, login steps)
//   - AgentContext (per-turn read-only variables and secrets)
//   - Stream events and the ordered Stream sink that terminates each turn
//   - RunContext / ToolContext (scoped execution for agents and tools)
//   - Conversations, messages, auth states, call sessions and escalations
//     together with the store interfaces persisting them
//
// Implementations of the stores live in the session and store packages; the
// engine, dispatcher and gates consume only the interfaces declared here.
package core
