package cache

import (
	"context"
	"slices"
	"sync"
	"time"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryOptions configures a Memory cache.
type MemoryOptions struct {
	// MaxEntries bounds the cache; the entry closest to expiry is evicted
	// first. Zero means unbounded.
	MaxEntries int
	// Now is the clock, overridable in tests.
	Now func() time.Time
}

// Memory is an in-process Cache.
type Memory struct {
	mu      sync.Mutex
	entries map[string]entry
	opts    MemoryOptions
}

// NewMemory creates an in-process cache.
func NewMemory(optFns ...func(o *MemoryOptions)) *Memory {
	opts := MemoryOptions{Now: time.Now}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Memory{entries: map[string]entry{}, opts: opts}
}

// Get implements Cache.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if m.expired(e) {
		delete(m.entries, key)
		return nil, false, nil
	}

	return slices.Clone(e.value), true, nil
}

// Set implements Cache.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := entry{value: slices.Clone(value)}
	if ttl > 0 {
		e.expiresAt = m.opts.Now().Add(ttl)
	}

	if _, exists := m.entries[key]; !exists && m.opts.MaxEntries > 0 && len(m.entries) >= m.opts.MaxEntries {
		m.evict()
	}
	m.entries[key] = e

	return nil
}

// Delete implements Cache.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Len returns the number of live entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, e := range m.entries {
		if !m.expired(e) {
			n++
		}
	}
	return n
}

func (m *Memory) expired(e entry) bool {
	return !e.expiresAt.IsZero() && !m.opts.Now().Before(e.expiresAt)
}

// evict drops expired entries, or else the one expiring soonest. Must be
// called with mu held.
func (m *Memory) evict() {
	var (
		victim string
		soon   time.Time
	)
	for k, e := range m.entries {
		if m.expired(e) {
			delete(m.entries, k)
			continue
		}
		if victim == "" || (!e.expiresAt.IsZero() && (soon.IsZero() || e.expiresAt.Before(soon))) {
			victim, soon = k, e.expiresAt
		}
	}
	if len(m.entries) >= m.opts.MaxEntries && victim != "" {
		delete(m.entries, victim)
	}
}
