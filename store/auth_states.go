package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/hupe1980/supportmesh/core"
)

// maxAuthRetries bounds optimistic retries of UpdateAuthState.
const maxAuthRetries = 5

// ErrConflict is returned when an optimistic update kept losing races.
var ErrConflict = errors.New("concurrent update conflict")

// GetAuthState implements core.AuthStateStore.
func (s *Store) GetAuthState(ctx context.Context, key core.AuthKey) (*core.AuthState, error) {
	row, err := getAuthState(s.db.WithContext(ctx), key)
	if err != nil || row == nil {
		return nil, err
	}
	st, err := row.toAuthState()
	if err != nil {
		return nil, fmt.Errorf("decode auth state: %w", err)
	}
	return &st, nil
}

func getAuthState(db *gorm.DB, key core.AuthKey) (*authStateRow, error) {
	var row authStateRow
	err := db.Where("chatbot_id = ? AND end_user_id = ?", key.ChatbotID, key.EndUserID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get auth state: %w", err)
	}
	return &row, nil
}

// UpdateAuthState implements core.AuthStateStore. The read-modify-write
// runs in a transaction and the write is guarded by the row version; a lost
// race re-runs fn on the fresh state.
func (s *Store) UpdateAuthState(ctx context.Context, key core.AuthKey, fn func(*core.AuthState) error) (*core.AuthState, error) {
	for attempt := 0; attempt < maxAuthRetries; attempt++ {
		var (
			out  *core.AuthState
			lost bool
		)

		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			row, err := getAuthState(tx, key)
			if err != nil {
				return err
			}

			cur := core.AnonymousState(key)
			if row != nil {
				if cur, err = row.toAuthState(); err != nil {
					return fmt.Errorf("decode auth state: %w", err)
				}
			}
			prev := cur.Version

			if err := fn(&cur); err != nil {
				return err
			}

			cur.ChatbotID, cur.EndUserID = key.ChatbotID, key.EndUserID
			cur.Version = prev + 1
			cur.UpdatedAt = time.Now().UTC()

			next, err := authStateRowFrom(cur)
			if err != nil {
				return fmt.Errorf("encode auth state: %w", err)
			}

			if row == nil {
				if err := tx.Create(&next).Error; err != nil {
					if errors.Is(err, gorm.ErrDuplicatedKey) {
						lost = true
						return ErrConflict
					}
					return fmt.Errorf("create auth state: %w", err)
				}
			} else {
				res := tx.Model(&authStateRow{}).
					Where("chatbot_id = ? AND end_user_id = ? AND version = ?", key.ChatbotID, key.EndUserID, prev).
					Select("*").
					Updates(&next)
				if res.Error != nil {
					return fmt.Errorf("update auth state: %w", res.Error)
				}
				if res.RowsAffected == 0 {
					lost = true
					return ErrConflict
				}
			}

			out = &cur
			return nil
		})
		if lost {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}

	return nil, fmt.Errorf("update auth state %s/%s: %w", key.ChatbotID, key.EndUserID, ErrConflict)
}

// DeleteExpiredAuthStates implements core.AuthStateStore.
func (s *Store) DeleteExpiredAuthStates(ctx context.Context, now time.Time) (int, error) {
	res := s.db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", string(core.AuthAuthenticated), now.UTC()).
		Delete(&authStateRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete expired auth states: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}
