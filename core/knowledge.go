package core

import "context"

// Source is a knowledge base entry cited by an answer.
type Source struct {
	ID      string  `json:"id"`
	Title   string  `json:"title,omitempty"`
	URL     string  `json:"url,omitempty"`
	Snippet string  `json:"snippet,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

// KnowledgeSearcher is the opaque knowledge base collaborator.
type KnowledgeSearcher interface {
	Search(ctx context.Context, tenantID, query string, limit int) ([]Source, error)
}
