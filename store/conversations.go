package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"gorm.io/gorm"

	"github.com/hupe1980/supportmesh/core"
)

// CreateConversation implements core.ConversationStore.
func (s *Store) CreateConversation(ctx context.Context, c *core.Conversation) error {
	if c.ID == "" {
		c.ID = core.NewID()
	}
	if c.Status == "" {
		c.Status = core.ConversationActive
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	row := conversationRow{
		ID:             c.ID,
		TenantID:       c.TenantID,
		ChatbotID:      c.ChatbotID,
		SessionID:      c.SessionID,
		EndUserID:      c.EndUserID,
		Channel:        string(c.Channel),
		Status:         string(c.Status),
		LastActivityAt: c.CreatedAt.UTC(),
		CreatedAt:      c.CreatedAt.UTC(),
		UpdatedAt:      now,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

// GetConversation implements core.ConversationStore.
func (s *Store) GetConversation(ctx context.Context, id string) (*core.Conversation, error) {
	return getConversation(s.db.WithContext(ctx), id)
}

func getConversation(db *gorm.DB, id string) (*core.Conversation, error) {
	var row conversationRow
	if err := db.Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", core.ErrConversationNotFound, id)
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return row.toConversation(), nil
}

// FindBySession implements core.ConversationStore.
func (s *Store) FindBySession(ctx context.Context, tenantID, chatbotID, sessionID string) (*core.Conversation, error) {
	var row conversationRow
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND chatbot_id = ? AND session_id = ?", tenantID, chatbotID, sessionID).
		Order("created_at DESC").
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: session %s", core.ErrConversationNotFound, sessionID)
		}
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	return row.toConversation(), nil
}

// UpdateStatus implements core.ConversationStore.
func (s *Store) UpdateStatus(ctx context.Context, id string, status core.ConversationStatus) (*core.Conversation, error) {
	var out *core.Conversation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := getConversation(tx, id)
		if err != nil {
			return err
		}
		if !c.Status.CanTransition(status) {
			return fmt.Errorf("%w: %s -> %s", core.ErrInvalidTransition, c.Status, status)
		}

		now := time.Now().UTC()
		// The status guard keeps a concurrent transition from being
		// overwritten.
		res := tx.Model(&conversationRow{}).
			Where("id = ? AND status = ?", id, string(c.Status)).
			Updates(map[string]any{"status": string(status), "updated_at": now})
		if res.Error != nil {
			return fmt.Errorf("update conversation status: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s changed concurrently", core.ErrInvalidTransition, id)
		}

		c.Status, c.UpdatedAt = status, now
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AppendMessage implements core.ConversationStore.
func (s *Store) AppendMessage(ctx context.Context, m *core.Message) error {
	if m.ID == "" {
		m.ID = core.NewSortableID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := getConversation(tx, m.ConversationID)
		if err != nil {
			return err
		}
		if c.Status.IsTerminal() {
			return fmt.Errorf("%w: %s", core.ErrConversationClosed, c.ID)
		}

		row := messageRow{
			ID:             m.ID,
			ConversationID: m.ConversationID,
			Role:           string(m.Role),
			Type:           string(m.Type),
			Content:        m.Content,
			TokenCount:     m.TokenCount,
			CreatedAt:      m.CreatedAt.UTC(),
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("append message: %w", err)
		}

		at := m.CreatedAt.UTC()
		updates := map[string]any{
			"total_messages":   gorm.Expr("total_messages + 1"),
			"last_message_at":  at,
			"last_activity_at": at,
			"updated_at":       time.Now().UTC(),
		}
		switch m.Role {
		case core.RoleUser:
			updates["user_messages"] = gorm.Expr("user_messages + 1")
		case core.RoleAssistant:
			updates["assistant_messages"] = gorm.Expr("assistant_messages + 1")
		}

		if err := tx.Model(&conversationRow{}).Where("id = ?", c.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("update conversation counters: %w", err)
		}
		return nil
	})
}

// RecentMessages implements core.ConversationStore.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, limit int) ([]core.Message, error) {
	db := s.db.WithContext(ctx)
	if _, err := getConversation(db, conversationID); err != nil {
		return nil, err
	}

	q := db.Where("conversation_id = ?", conversationID).Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []messageRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}

	out := make([]core.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toMessage())
	}
	slices.Reverse(out)

	return out, nil
}

// ListIdle implements core.ConversationStore.
func (s *Store) ListIdle(ctx context.Context, before time.Time) ([]core.Conversation, error) {
	var rows []conversationRow
	err := s.db.WithContext(ctx).
		Where("status = ? AND last_activity_at < ?", string(core.ConversationActive), before.UTC()).
		Order("last_activity_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list idle conversations: %w", err)
	}

	out := make([]core.Conversation, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r.toConversation())
	}
	return out, nil
}
