package escalation

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/supportmesh/core"
)

// MemoryStore is an in-process core.EscalationStore.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]core.Escalation
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[string]core.Escalation{}}
}

// CreateEscalation implements core.EscalationStore.
func (s *MemoryStore) CreateEscalation(_ context.Context, e *core.Escalation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[e.ID]; exists {
		return fmt.Errorf("escalation %s already exists", e.ID)
	}
	s.items[e.ID] = clone(*e)
	return nil
}

// GetEscalation implements core.EscalationStore.
func (s *MemoryStore) GetEscalation(_ context.Context, id string) (*core.Escalation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrEscalationNotFound, id)
	}
	out := clone(e)
	return &out, nil
}

// OpenEscalation implements core.EscalationStore.
func (s *MemoryStore) OpenEscalation(_ context.Context, conversationID string) (*core.Escalation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.items {
		if e.ConversationID == conversationID && e.Status.IsOpen() {
			out := clone(e)
			return &out, nil
		}
	}
	return nil, fmt.Errorf("%w: no open escalation for %s", core.ErrEscalationNotFound, conversationID)
}

// UpdateEscalation implements core.EscalationStore.
func (s *MemoryStore) UpdateEscalation(_ context.Context, id string, fn func(*core.Escalation) error) (*core.Escalation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrEscalationNotFound, id)
	}

	e = clone(e)
	if err := fn(&e); err != nil {
		return nil, err
	}
	s.items[id] = clone(e)

	return &e, nil
}

// ListEscalations implements core.EscalationStore.
func (s *MemoryStore) ListEscalations(_ context.Context, q core.EscalationQuery) ([]core.Escalation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []core.Escalation
	for _, e := range s.items {
		if q.Matches(e) {
			out = append(out, clone(e))
		}
	}
	core.SortEscalations(out)

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func clone(e core.Escalation) core.Escalation {
	if e.AssignedUserID != nil {
		v := *e.AssignedUserID
		e.AssignedUserID = &v
	}
	if e.ResolvedAt != nil {
		v := *e.ResolvedAt
		e.ResolvedAt = &v
	}
	return e
}
