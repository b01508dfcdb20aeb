package core

import (
	"context"
	"fmt"
	"slices"
	"time"
)

// EscalationStatus is the human pickup lifecycle state.
type EscalationStatus string

// Escalation states. Resolved is terminal.
const (
	EscalationPending    EscalationStatus = "pending"
	EscalationAssigned   EscalationStatus = "assigned"
	EscalationInProgress EscalationStatus = "in_progress"
	EscalationResolved   EscalationStatus = "resolved"
)

// IsOpen reports whether the escalation still awaits a human.
func (s EscalationStatus) IsOpen() bool { return s != EscalationResolved }

// CanTransition reports whether s may move to next.
func (s EscalationStatus) CanTransition(next EscalationStatus) bool {
	switch next {
	case EscalationAssigned:
		return s == EscalationPending || s == EscalationAssigned
	case EscalationInProgress:
		return s == EscalationAssigned
	case EscalationResolved:
		return s.IsOpen()
	default:
		return false
	}
}

// Priority orders escalations for pickup.
type Priority string

// Priorities, lowest first.
const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank returns the numeric severity; unknown priorities rank lowest.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// ParsePriority validates a priority string.
func ParsePriority(s string) (Priority, error) {
	p := Priority(s)
	if p.Rank() == 0 {
		return "", fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}

// TriggerType records why an escalation was raised.
type TriggerType string

// Trigger types.
const (
	TriggerExplicitRequest  TriggerType = "explicit_request"
	TriggerAbuseOrEmergency TriggerType = "abuse_or_emergency"
	TriggerRepeatedFailure  TriggerType = "repeated_failure"
	TriggerAlwaysEscalate   TriggerType = "always_escalate"
	TriggerToolRequest      TriggerType = "tool_request"
)

// Escalation is a queued request for human takeover of a conversation.
type Escalation struct {
	ID             string           `json:"id"`
	TenantID       string           `json:"tenantId"`
	ConversationID string           `json:"conversationId"`
	Status         EscalationStatus `json:"status"`
	Priority       Priority         `json:"priority"`
	Trigger        TriggerType      `json:"triggerType"`
	Reason         string           `json:"reason,omitempty"`
	AssignedUserID *string          `json:"assignedUserId"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
	ResolvedAt     *time.Time       `json:"resolvedAt,omitempty"`
}

// EscalationLess orders by priority descending, then creation time
// ascending, then id.
func EscalationLess(a, b Escalation) bool {
	if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
		return ra > rb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// SortEscalations sorts in pickup order.
func SortEscalations(es []Escalation) {
	slices.SortStableFunc(es, func(a, b Escalation) int {
		switch {
		case EscalationLess(a, b):
			return -1
		case EscalationLess(b, a):
			return 1
		default:
			return 0
		}
	})
}

// EscalationView selects whose escalations a query returns.
type EscalationView string

// Views.
const (
	ViewMine  EscalationView = "mine"
	ViewQueue EscalationView = "queue"
	ViewAll   EscalationView = "all"
)

// EscalationQuery filters escalation listings.
type EscalationQuery struct {
	TenantID string
	View     EscalationView
	UserID   string
	Statuses []EscalationStatus
	Limit    int
}

// Matches reports whether e passes the query filters.
func (q EscalationQuery) Matches(e Escalation) bool {
	if q.TenantID != "" && e.TenantID != q.TenantID {
		return false
	}
	if len(q.Statuses) > 0 && !slices.Contains(q.Statuses, e.Status) {
		return false
	}
	switch q.View {
	case ViewMine:
		return e.AssignedUserID != nil && *e.AssignedUserID == q.UserID
	case ViewQueue:
		return e.Status == EscalationPending && e.AssignedUserID == nil
	default:
		return true
	}
}

// EscalationStore persists escalations. ListEscalations returns pickup order.
type EscalationStore interface {
	CreateEscalation(ctx context.Context, e *Escalation) error
	GetEscalation(ctx context.Context, id string) (*Escalation, error)
	// OpenEscalation returns the open escalation of a conversation or
	// ErrEscalationNotFound.
	OpenEscalation(ctx context.Context, conversationID string) (*Escalation, error)
	UpdateEscalation(ctx context.Context, id string, fn func(*Escalation) error) (*Escalation, error)
	ListEscalations(ctx context.Context, q EscalationQuery) ([]Escalation, error)
}
