package call

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/supportmesh/core"
)

// MemoryStore is an in-memory core.CallStore.
type MemoryStore struct {
	mu    sync.RWMutex
	calls map[string]core.CallRecord
	saves int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{calls: map[string]core.CallRecord{}}
}

// SaveCall stores the record, replacing an earlier one with the same id.
func (s *MemoryStore) SaveCall(_ context.Context, r core.CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls[r.CallID] = r
	s.saves++
	return nil
}

// GetCall returns a stored record.
func (s *MemoryStore) GetCall(_ context.Context, callID string) (*core.CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.calls[callID]
	if !ok {
		return nil, fmt.Errorf("call %s %w", callID, core.ErrNotFound)
	}
	return &r, nil
}

// Saves returns the number of SaveCall invocations.
func (s *MemoryStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}
