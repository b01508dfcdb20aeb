package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/hupe1980/supportmesh/core"
)

// SaveCall implements core.CallStore.
func (s *Store) SaveCall(ctx context.Context, r core.CallRecord) error {
	row := callRow{
		CallID:          r.CallID,
		SessionID:       r.SessionID,
		ConversationID:  r.ConversationID,
		TenantID:        r.TenantID,
		Status:          string(r.Status),
		StartedAt:       r.StartedAt.UTC(),
		EndedAt:         r.EndedAt.UTC(),
		DurationSeconds: r.DurationSeconds,
		EndReason:       r.EndReason,
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("save call: %w", err)
	}
	return nil
}

// GetCall implements core.CallStore.
func (s *Store) GetCall(ctx context.Context, callID string) (*core.CallRecord, error) {
	var row callRow
	if err := s.db.WithContext(ctx).Where("call_id = ?", callID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("call %s %w", callID, core.ErrNotFound)
		}
		return nil, fmt.Errorf("get call: %w", err)
	}

	return &core.CallRecord{
		CallID:          row.CallID,
		SessionID:       row.SessionID,
		ConversationID:  row.ConversationID,
		TenantID:        row.TenantID,
		Status:          core.CallStatus(row.Status),
		StartedAt:       row.StartedAt.UTC(),
		EndedAt:         row.EndedAt.UTC(),
		DurationSeconds: row.DurationSeconds,
		EndReason:       row.EndReason,
	}, nil
}
