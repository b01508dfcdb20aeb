// Package server exposes the orchestration engine over HTTP.
//
// Chat turns stream as Server-Sent Events or over a WebSocket; every event
// is a JSON object {type, data}. The auth, call and escalation endpoints are
// plain JSON. Tenant and chatbot are taken from the X-Tenant-ID and
// X-Chatbot-ID headers (or the tenantId and chatbotId query parameters);
// the end user defaults to the chat session id.
//
// Routes:
//
//	POST /v1/chat/{sessionId}/messages      SSE turn stream
//	GET  /v1/chat/{sessionId}/ws            WebSocket turns
//	GET  /v1/chat/{sessionId}/auth-status   login state
//	POST /v1/chat/{sessionId}/auth          submit a login step
//	POST /v1/conversations/{id}/close       resolve or abandon
//	POST /v1/calls                          start a call
//	POST /v1/calls/{sessionId}/connect      mark the call connected
//	POST /v1/calls/{sessionId}/utterances   SSE voice turn
//	POST /v1/calls/{sessionId}/end          end a call (idempotent)
//	GET  /v1/escalations                    list in pickup order
//	POST /v1/escalations/{id}/{action}      assign, start or resolve
//	GET  /healthz
package server
