package memory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/supportmesh/core"
)

// Entry is one knowledge base article.
type Entry struct {
	ID      string `yaml:"id"`
	Title   string `yaml:"title"`
	URL     string `yaml:"url"`
	Content string `yaml:"content"`
}

// InMemoryStore is a naive process-local knowledge base partitioned by
// tenant. Search scores entries by the share of query terms they contain.
//
// Concurrency: protected by RWMutex.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string]map[string]Entry // tenantID -> entryID -> entry
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make(map[string]map[string]Entry)}
}

// Add stores or replaces entries for tenantID. Entries without id get a
// sequential one.
func (m *InMemoryStore) Add(tenantID string, entries ...Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[tenantID]; !ok {
		m.entries[tenantID] = make(map[string]Entry)
	}
	for _, e := range entries {
		if e.ID == "" {
			e.ID = fmt.Sprintf("kb_%d", len(m.entries[tenantID]))
		}
		m.entries[tenantID][e.ID] = e
	}
}

// LoadYAML reads a map of tenant id to entries.
func (m *InMemoryStore) LoadYAML(r io.Reader) error {
	var data map[string][]Entry
	if err := yaml.NewDecoder(r).Decode(&data); err != nil {
		return fmt.Errorf("decode knowledge base: %w", err)
	}
	for tenantID, entries := range data {
		m.Add(tenantID, entries...)
	}
	return nil
}

// Delete removes an entry.
func (m *InMemoryStore) Delete(tenantID, entryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[tenantID][entryID]; !ok {
		return fmt.Errorf("%w: knowledge entry %s", core.ErrNotFound, entryID)
	}
	delete(m.entries[tenantID], entryID)
	return nil
}

// Search implements core.KnowledgeSearcher. Results are ordered by score
// descending, then id.
func (m *InMemoryStore) Search(ctx context.Context, tenantID, query string, limit int) ([]core.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	terms := tokenize(query)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []core.Source
	for _, e := range m.entries[tenantID] {
		score := 1.0
		if len(terms) > 0 {
			score = overlap(terms, tokenize(e.Title+" "+e.Content))
		}
		if score == 0 {
			continue
		}
		results = append(results, core.Source{
			ID:      e.ID,
			Title:   e.Title,
			URL:     e.URL,
			Snippet: snippet(e.Content, 200),
			Score:   score,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}

	return results, nil
}

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "what": true, "your": true,
	"you": true, "do": true, "of": true, "to": true, "for": true, "in": true, "my": true, "i": true,
}

func tokenize(s string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		if !stopWords[w] {
			out[w] = true
		}
	}
	return out
}

func overlap(query, doc map[string]bool) float64 {
	hits := 0
	for t := range query {
		if doc[t] {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}

func snippet(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "..."
}
