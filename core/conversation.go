package core

import (
	"context"
	"time"
	"unicode/utf8"
)

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

// Conversation states. Resolved and abandoned are terminal.
const (
	ConversationActive    ConversationStatus = "active"
	ConversationResolved  ConversationStatus = "resolved"
	ConversationAbandoned ConversationStatus = "abandoned"
)

// IsTerminal reports whether no further transition is possible.
func (s ConversationStatus) IsTerminal() bool {
	return s == ConversationResolved || s == ConversationAbandoned
}

// CanTransition reports whether s may move to next.
func (s ConversationStatus) CanTransition(next ConversationStatus) bool {
	return s == ConversationActive && next.IsTerminal()
}

// Conversation is the persistent container of one end user's exchange.
type Conversation struct {
	ID                string             `json:"id"`
	TenantID          string             `json:"tenantId"`
	ChatbotID         string             `json:"chatbotId"`
	EndUserID         string             `json:"endUserId"`
	Channel           Channel            `json:"channel"`
	Status            ConversationStatus `json:"status"`
	SessionID         string             `json:"sessionId,omitempty"`
	UserMessages      int                `json:"userMessages"`
	AssistantMessages int                `json:"assistantMessages"`
	TotalMessages     int                `json:"totalMessages"`
	CreatedAt         time.Time          `json:"createdAt"`
	UpdatedAt         time.Time          `json:"updatedAt"`
	LastMessageAt     time.Time          `json:"lastMessageAt,omitzero"`
}

// MessageRole is the author of a persisted message.
type MessageRole string

// Message roles.
const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// MessageType classifies persisted messages.
type MessageType string

// Message types.
const (
	MessageText       MessageType = "text"
	MessageAuthPrompt MessageType = "auth_prompt"
	MessageNotice     MessageType = "notice"
)

// Message is an append-only conversation entry.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	Role           MessageRole `json:"role"`
	Type           MessageType `json:"type"`
	Content        string      `json:"content"`
	TokenCount     int         `json:"tokenCount"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// NewMessage builds a text message with a sortable id and token estimate.
func NewMessage(conversationID string, role MessageRole, typ MessageType, content string) *Message {
	now := time.Now().UTC()
	return &Message{
		ID:             NewSortableIDAt(now),
		ConversationID: conversationID,
		Role:           role,
		Type:           typ,
		Content:        content,
		TokenCount:     EstimateTokens(content),
		CreatedAt:      now,
	}
}

// ModelContent converts the message into model content.
func (m Message) ModelContent() Content {
	return NewTextContent(string(m.Role), m.Content)
}

// EstimateTokens approximates a token count at four characters per token.
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// ConversationStore persists conversations and their messages.
type ConversationStore interface {
	CreateConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	// FindBySession returns the most recent conversation bound to a session.
	FindBySession(ctx context.Context, tenantID, chatbotID, sessionID string) (*Conversation, error)
	// UpdateStatus applies a status transition, rejecting invalid ones with
	// ErrInvalidTransition.
	UpdateStatus(ctx context.Context, id string, status ConversationStatus) (*Conversation, error)
	// AppendMessage inserts the message and bumps the conversation counters.
	AppendMessage(ctx context.Context, m *Message) error
	// RecentMessages returns up to limit messages, oldest first.
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	// ListIdle returns active conversations without activity since before.
	ListIdle(ctx context.Context, before time.Time) ([]Conversation, error)
}
