package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/hupe1980/supportmesh/core"
)

// CreateEscalation implements core.EscalationStore.
func (s *Store) CreateEscalation(ctx context.Context, e *core.Escalation) error {
	row := escalationRowFrom(*e)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create escalation: %w", err)
	}
	return nil
}

// GetEscalation implements core.EscalationStore.
func (s *Store) GetEscalation(ctx context.Context, id string) (*core.Escalation, error) {
	return getEscalation(s.db.WithContext(ctx), id)
}

func getEscalation(db *gorm.DB, id string) (*core.Escalation, error) {
	row, err := getEscalationRow(db, id)
	if err != nil {
		return nil, err
	}
	e := row.toEscalation()
	return &e, nil
}

func getEscalationRow(db *gorm.DB, id string) (*escalationRow, error) {
	var row escalationRow
	if err := db.Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", core.ErrEscalationNotFound, id)
		}
		return nil, fmt.Errorf("get escalation: %w", err)
	}
	return &row, nil
}

// OpenEscalation implements core.EscalationStore.
func (s *Store) OpenEscalation(ctx context.Context, conversationID string) (*core.Escalation, error) {
	var row escalationRow
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND status <> ?", conversationID, string(core.EscalationResolved)).
		Order("created_at DESC").
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: no open escalation for %s", core.ErrEscalationNotFound, conversationID)
		}
		return nil, fmt.Errorf("open escalation: %w", err)
	}
	e := row.toEscalation()
	return &e, nil
}

// UpdateEscalation implements core.EscalationStore.
func (s *Store) UpdateEscalation(ctx context.Context, id string, fn func(*core.Escalation) error) (*core.Escalation, error) {
	var out *core.Escalation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := getEscalationRow(tx, id)
		if err != nil {
			return err
		}

		e := cur.toEscalation()
		if err := fn(&e); err != nil {
			return err
		}

		next := escalationRowFrom(e)
		next.Version = cur.Version + 1
		res := tx.Model(&escalationRow{}).
			Where("id = ? AND version = ?", id, cur.Version).
			Select("*").
			Updates(&next)
		if res.Error != nil {
			return fmt.Errorf("update escalation: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("escalation %s: %w", id, ErrConflict)
		}

		out = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListEscalations implements core.EscalationStore.
func (s *Store) ListEscalations(ctx context.Context, q core.EscalationQuery) ([]core.Escalation, error) {
	db := s.db.WithContext(ctx).Model(&escalationRow{})

	if q.TenantID != "" {
		db = db.Where("tenant_id = ?", q.TenantID)
	}
	if len(q.Statuses) > 0 {
		statuses := make([]string, 0, len(q.Statuses))
		for _, st := range q.Statuses {
			statuses = append(statuses, string(st))
		}
		db = db.Where("status IN ?", statuses)
	}
	switch q.View {
	case core.ViewMine:
		db = db.Where("assigned_user_id = ?", q.UserID)
	case core.ViewQueue:
		db = db.Where("status = ? AND assigned_user_id IS NULL", string(core.EscalationPending))
	}

	db = db.Order("priority_rank DESC, created_at ASC, id ASC")
	if q.Limit > 0 {
		db = db.Limit(q.Limit)
	}

	var rows []escalationRow
	if err := db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list escalations: %w", err)
	}

	out := make([]core.Escalation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toEscalation())
	}
	return out, nil
}
