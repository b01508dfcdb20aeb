package model

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/supportmesh/core"
)

// Registry maps the model ids declared by agent specs to models.
type Registry struct {
	mu       sync.RWMutex
	models   map[string]Model
	fallback string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{models: map[string]Model{}}
}

// Register adds or replaces the model for id. The first registered model
// becomes the default.
func (r *Registry) Register(id string, m Model) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.models[id] = m
	if r.fallback == "" {
		r.fallback = id
	}
}

// SetDefault selects the model used by agents that declare no model id.
func (r *Registry) SetDefault(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.models[id]; !ok {
		return fmt.Errorf("%w: %q is not registered", core.ErrModelUnavailable, id)
	}
	r.fallback = id
	return nil
}

// Resolve returns the model for id, or the default when id is empty.
func (r *Registry) Resolve(id string) (Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id == "" {
		id = r.fallback
	}
	m, ok := r.models[id]
	if !ok {
		return nil, fmt.Errorf("%w: no model registered for %q", core.ErrModelUnavailable, id)
	}
	return m, nil
}

// IDs lists the registered ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.models))
	for id := range r.models {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
