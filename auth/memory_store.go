package auth

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/supportmesh/core"
)

// MemoryStore is an in-process core.AuthStateStore. Updates are serialized
// by a single mutex.
type MemoryStore struct {
	mu     sync.Mutex
	states map[core.AuthKey]core.AuthState
	now    func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: map[core.AuthKey]core.AuthState{}, now: time.Now}
}

// GetAuthState returns the stored state or nil when absent.
func (s *MemoryStore) GetAuthState(_ context.Context, key core.AuthKey) (*core.AuthState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[key]
	if !ok {
		return nil, nil
	}
	cp := st.Clone()
	return &cp, nil
}

// UpdateAuthState runs fn on the current state and stores the result unless
// fn fails.
func (s *MemoryStore) UpdateAuthState(_ context.Context, key core.AuthKey, fn func(*core.AuthState) error) (*core.AuthState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.states[key]
	if ok {
		cur = cur.Clone()
	} else {
		cur = core.AnonymousState(key)
	}

	if err := fn(&cur); err != nil {
		return nil, err
	}

	cur.ChatbotID, cur.EndUserID = key.ChatbotID, key.EndUserID
	cur.Version++
	cur.UpdatedAt = s.now().UTC()
	s.states[key] = cur.Clone()

	return &cur, nil
}

// DeleteExpiredAuthStates removes authenticated states past their expiry.
func (s *MemoryStore) DeleteExpiredAuthStates(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, st := range s.states {
		if st.Expired(now) {
			delete(s.states, k)
			n++
		}
	}
	return n, nil
}
