package store

import (
	"encoding/json"
	"time"

	"github.com/hupe1980/supportmesh/core"
)

type conversationRow struct {
	ID                string     `gorm:"primaryKey;size:64"`
	TenantID          string     `gorm:"size:191;not null;index:idx_conversations_session,priority:1"`
	ChatbotID         string     `gorm:"size:191;not null;index:idx_conversations_session,priority:2"`
	SessionID         string     `gorm:"size:191;index:idx_conversations_session,priority:3"`
	EndUserID         string     `gorm:"size:191"`
	Channel           string     `gorm:"size:32;not null"`
	Status            string     `gorm:"size:32;not null;index:idx_conversations_idle,priority:1"`
	UserMessages      int        `gorm:"not null;default:0"`
	AssistantMessages int        `gorm:"not null;default:0"`
	TotalMessages     int        `gorm:"not null;default:0"`
	LastMessageAt     *time.Time `gorm:"default:null"`
	LastActivityAt    time.Time  `gorm:"not null;index:idx_conversations_idle,priority:2"`
	CreatedAt         time.Time  `gorm:"not null"`
	UpdatedAt         time.Time  `gorm:"not null"`
}

func (conversationRow) TableName() string { return "conversations" }

func (r conversationRow) toConversation() *core.Conversation {
	c := &core.Conversation{
		ID:                r.ID,
		TenantID:          r.TenantID,
		ChatbotID:         r.ChatbotID,
		EndUserID:         r.EndUserID,
		Channel:           core.Channel(r.Channel),
		Status:            core.ConversationStatus(r.Status),
		SessionID:         r.SessionID,
		UserMessages:      r.UserMessages,
		AssistantMessages: r.AssistantMessages,
		TotalMessages:     r.TotalMessages,
		CreatedAt:         r.CreatedAt.UTC(),
		UpdatedAt:         r.UpdatedAt.UTC(),
	}
	if r.LastMessageAt != nil {
		c.LastMessageAt = r.LastMessageAt.UTC()
	}
	return c
}

type messageRow struct {
	ID             string    `gorm:"primaryKey;size:64"`
	ConversationID string    `gorm:"size:64;not null;index:idx_messages_conversation,priority:1"`
	Role           string    `gorm:"size:32;not null"`
	Type           string    `gorm:"size:32;not null"`
	Content        string    `gorm:"type:text;not null"`
	TokenCount     int       `gorm:"not null;default:0"`
	CreatedAt      time.Time `gorm:"not null;index:idx_messages_conversation,priority:2"`
}

func (messageRow) TableName() string { return "messages" }

func (r messageRow) toMessage() core.Message {
	return core.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		Role:           core.MessageRole(r.Role),
		Type:           core.MessageType(r.Type),
		Content:        r.Content,
		TokenCount:     r.TokenCount,
		CreatedAt:      r.CreatedAt.UTC(),
	}
}

type escalationRow struct {
	ID             string     `gorm:"primaryKey;size:64"`
	TenantID       string     `gorm:"size:191;not null;index"`
	ConversationID string     `gorm:"size:64;not null;index"`
	Status         string     `gorm:"size:32;not null;index"`
	Priority       string     `gorm:"size:16;not null"`
	PriorityRank   int        `gorm:"not null;index"`
	Trigger        string     `gorm:"size:64;not null"`
	Reason         string     `gorm:"type:text"`
	AssignedUserID *string    `gorm:"size:191;index"`
	CreatedAt      time.Time  `gorm:"not null"`
	UpdatedAt      time.Time  `gorm:"not null"`
	ResolvedAt     *time.Time `gorm:"default:null"`
	Version        int64      `gorm:"not null;default:0"`
}

func (escalationRow) TableName() string { return "escalations" }

func escalationRowFrom(e core.Escalation) escalationRow {
	return escalationRow{
		ID:             e.ID,
		TenantID:       e.TenantID,
		ConversationID: e.ConversationID,
		Status:         string(e.Status),
		Priority:       string(e.Priority),
		PriorityRank:   e.Priority.Rank(),
		Trigger:        string(e.Trigger),
		Reason:         e.Reason,
		AssignedUserID: e.AssignedUserID,
		CreatedAt:      e.CreatedAt.UTC(),
		UpdatedAt:      e.UpdatedAt.UTC(),
		ResolvedAt:     e.ResolvedAt,
	}
}

func (r escalationRow) toEscalation() core.Escalation {
	e := core.Escalation{
		ID:             r.ID,
		TenantID:       r.TenantID,
		ConversationID: r.ConversationID,
		Status:         core.EscalationStatus(r.Status),
		Priority:       core.Priority(r.Priority),
		Trigger:        core.TriggerType(r.Trigger),
		Reason:         r.Reason,
		AssignedUserID: r.AssignedUserID,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
	if r.ResolvedAt != nil {
		t := r.ResolvedAt.UTC()
		e.ResolvedAt = &t
	}
	return e
}

type callRow struct {
	CallID          string    `gorm:"primaryKey;size:64"`
	SessionID       string    `gorm:"size:64;not null;index"`
	ConversationID  string    `gorm:"size:64;not null;index"`
	TenantID        string    `gorm:"size:191;not null"`
	Status          string    `gorm:"size:32;not null"`
	StartedAt       time.Time `gorm:"not null"`
	EndedAt         time.Time `gorm:"not null"`
	DurationSeconds int64     `gorm:"not null"`
	EndReason       string    `gorm:"type:text"`
}

func (callRow) TableName() string { return "calls" }

type authStateRow struct {
	ChatbotID     string     `gorm:"primaryKey;size:191"`
	EndUserID     string     `gorm:"primaryKey;size:191"`
	Status        string     `gorm:"size:32;not null;index:idx_auth_states_expiry,priority:1"`
	CurrentStep   string     `gorm:"size:191"`
	CollectedJSON string     `gorm:"type:text"`
	RolesJSON     string     `gorm:"type:text"`
	DisplayName   string     `gorm:"size:191"`
	Email         string     `gorm:"size:191"`
	ExpiresAt     *time.Time `gorm:"index:idx_auth_states_expiry,priority:2"`
	UpdatedAt     time.Time  `gorm:"not null"`
	Version       int64      `gorm:"not null;default:0"`
}

func (authStateRow) TableName() string { return "auth_states" }

func authStateRowFrom(s core.AuthState) (authStateRow, error) {
	collected, err := json.Marshal(s.Collected)
	if err != nil {
		return authStateRow{}, err
	}
	roles, err := json.Marshal(s.Roles)
	if err != nil {
		return authStateRow{}, err
	}

	r := authStateRow{
		ChatbotID:     s.ChatbotID,
		EndUserID:     s.EndUserID,
		Status:        string(s.Status),
		CurrentStep:   s.CurrentStep,
		CollectedJSON: string(collected),
		RolesJSON:     string(roles),
		DisplayName:   s.DisplayName,
		Email:         s.Email,
		UpdatedAt:     s.UpdatedAt.UTC(),
		Version:       s.Version,
	}
	if !s.ExpiresAt.IsZero() {
		t := s.ExpiresAt.UTC()
		r.ExpiresAt = &t
	}
	return r, nil
}

func (r authStateRow) toAuthState() (core.AuthState, error) {
	s := core.AuthState{
		ChatbotID:   r.ChatbotID,
		EndUserID:   r.EndUserID,
		Status:      core.AuthStatus(r.Status),
		CurrentStep: r.CurrentStep,
		DisplayName: r.DisplayName,
		Email:       r.Email,
		UpdatedAt:   r.UpdatedAt.UTC(),
		Version:     r.Version,
	}
	if r.ExpiresAt != nil {
		s.ExpiresAt = r.ExpiresAt.UTC()
	}
	if r.CollectedJSON != "" {
		if err := json.Unmarshal([]byte(r.CollectedJSON), &s.Collected); err != nil {
			return core.AuthState{}, err
		}
	}
	if r.RolesJSON != "" {
		if err := json.Unmarshal([]byte(r.RolesJSON), &s.Roles); err != nil {
			return core.AuthState{}, err
		}
	}
	return s, nil
}

type variableRow struct {
	TenantID  string    `gorm:"primaryKey;size:191"`
	ChatbotID string    `gorm:"primaryKey;size:191"`
	Name      string    `gorm:"primaryKey;size:191"`
	Value     string    `gorm:"type:text;not null"`
	Type      string    `gorm:"size:32;not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (variableRow) TableName() string { return "tenant_variables" }
