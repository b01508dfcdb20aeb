package session

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/supportmesh/core"
)

// InMemoryStore is a volatile ConversationStore keeping conversations and
// their messages in process local maps. It is safe for concurrent access and
// best suited for tests or ephemeral demo servers. Returned values are copies
// so callers cannot mutate internal state.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*core.Conversation
	messages      map[string][]core.Message
	now           func() time.Time
}

// NewInMemoryStore constructs an empty in-memory conversation store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: map[string]*core.Conversation{},
		messages:      map[string][]core.Message{},
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// CreateConversation stores c, assigning an id and timestamps when unset.
func (s *InMemoryStore) CreateConversation(_ context.Context, c *core.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = core.NewID()
	}
	if _, exists := s.conversations[c.ID]; exists {
		return fmt.Errorf("conversation %s already exists", c.ID)
	}
	if c.Status == "" {
		c.Status = core.ConversationActive
	}
	now := s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	cp := *c
	s.conversations[c.ID] = &cp

	return nil
}

// GetConversation returns a copy of the conversation.
func (s *InMemoryStore) GetConversation(_ context.Context, id string) (*core.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrConversationNotFound, id)
	}
	cp := *c
	return &cp, nil
}

// FindBySession returns the most recently created conversation bound to
// sessionID.
func (s *InMemoryStore) FindBySession(_ context.Context, tenantID, chatbotID, sessionID string) (*core.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *core.Conversation
	for _, c := range s.conversations {
		if c.TenantID != tenantID || c.ChatbotID != chatbotID || c.SessionID != sessionID {
			continue
		}
		if found == nil || c.CreatedAt.After(found.CreatedAt) {
			found = c
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: session %s", core.ErrConversationNotFound, sessionID)
	}
	cp := *found
	return &cp, nil
}

// UpdateStatus applies a status transition.
func (s *InMemoryStore) UpdateStatus(_ context.Context, id string, status core.ConversationStatus) (*core.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrConversationNotFound, id)
	}
	if !c.Status.CanTransition(status) {
		return nil, fmt.Errorf("%w: %s -> %s", core.ErrInvalidTransition, c.Status, status)
	}

	c.Status = status
	c.UpdatedAt = s.now()

	cp := *c
	return &cp, nil
}

// AppendMessage appends m and updates the conversation counters.
func (s *InMemoryStore) AppendMessage(_ context.Context, m *core.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[m.ConversationID]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrConversationNotFound, m.ConversationID)
	}
	if c.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", core.ErrConversationClosed, c.ID)
	}

	if m.ID == "" {
		m.ID = core.NewSortableID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}

	s.messages[c.ID] = append(s.messages[c.ID], *m)

	switch m.Role {
	case core.RoleUser:
		c.UserMessages++
	case core.RoleAssistant:
		c.AssistantMessages++
	}
	c.TotalMessages++
	c.LastMessageAt = m.CreatedAt
	c.UpdatedAt = s.now()

	return nil
}

// RecentMessages returns up to limit messages, oldest first. A limit <= 0
// returns all messages.
func (s *InMemoryStore) RecentMessages(_ context.Context, conversationID string, limit int) ([]core.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrConversationNotFound, conversationID)
	}

	msgs := s.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return slices.Clone(msgs), nil
}

// ListIdle returns active conversations whose last activity is before the
// cutoff, oldest first.
func (s *InMemoryStore) ListIdle(_ context.Context, before time.Time) ([]core.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []core.Conversation
	for _, c := range s.conversations {
		if c.Status == core.ConversationActive && lastActivity(c).Before(before) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return lastActivity(&out[i]).Before(lastActivity(&out[j])) })

	return out, nil
}

func lastActivity(c *core.Conversation) time.Time {
	if c.LastMessageAt.IsZero() {
		return c.CreatedAt
	}
	return c.LastMessageAt
}
