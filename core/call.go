package core

import (
	"context"
	"time"
)

// CallStatus is the voice session lifecycle state.
type CallStatus string

// Call states. Completed, failed and no_answer are terminal.
const (
	CallConnecting CallStatus = "connecting"
	CallInProgress CallStatus = "in_progress"
	CallCompleted  CallStatus = "completed"
	CallFailed     CallStatus = "failed"
	CallNoAnswer   CallStatus = "no_answer"
)

// IsTerminal reports whether the call has ended.
func (s CallStatus) IsTerminal() bool {
	return s == CallCompleted || s == CallFailed || s == CallNoAnswer
}

// CallSession is the ephemeral state of one live voice connection.
type CallSession struct {
	SessionID      string     `json:"sessionId"`
	CallID         string     `json:"callId"`
	ConversationID string     `json:"conversationId"`
	TenantID       string     `json:"tenantId"`
	ChatbotID      string     `json:"chatbotId"`
	EndUserID      string     `json:"endUserId"`
	Status         CallStatus `json:"status"`
	StartedAt      time.Time  `json:"startedAt"`
	ConnectedAt    time.Time  `json:"connectedAt,omitzero"`
}

// CallSummary is the durable outcome of a call.
type CallSummary struct {
	CallID          string     `json:"callId"`
	DurationSeconds int64      `json:"durationSeconds"`
	Status          CallStatus `json:"status"`
	EndedAt         time.Time  `json:"endedAt"`
	EndReason       string     `json:"endReason,omitempty"`
}

// CallRecord is the persisted calls row.
type CallRecord struct {
	CallID          string
	SessionID       string
	ConversationID  string
	TenantID        string
	Status          CallStatus
	StartedAt       time.Time
	EndedAt         time.Time
	DurationSeconds int64
	EndReason       string
}

// Summary projects the record onto its summary.
func (r CallRecord) Summary() CallSummary {
	return CallSummary{
		CallID:          r.CallID,
		DurationSeconds: r.DurationSeconds,
		Status:          r.Status,
		EndedAt:         r.EndedAt,
		EndReason:       r.EndReason,
	}
}

// CallStore persists call summaries.
type CallStore interface {
	SaveCall(ctx context.Context, r CallRecord) error
	GetCall(ctx context.Context, callID string) (*CallRecord, error)
}
