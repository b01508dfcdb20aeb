// Package call manages live voice sessions.
//
// A Manager keeps an arena of sessions keyed by session id. Each session
// owns a worker goroutine that runs the session's utterances one at a time
// through a TurnFunc, which is the same orchestration path as text
// messages with the voice channel. Ending a call is idempotent: the first
// EndCall or Fail fixes the summary, waits for the in-flight turn to settle,
// persists the durable call record once and releases attached transport
// resources. Queued turns that never started end with a CALL_ENDED error.
package call
