package core

import (
	"context"
	"maps"
	"slices"
	"time"
)

// AuthStatus is the per end user, per chatbot login state.
type AuthStatus string

// Auth states. Authenticated reverts to anonymous once ExpiresAt passes.
const (
	AuthAnonymous     AuthStatus = "anonymous"
	AuthPending       AuthStatus = "pending"
	AuthAuthenticated AuthStatus = "authenticated"
)

// AuthKey identifies one auth state row.
type AuthKey struct {
	ChatbotID string
	EndUserID string
}

// AuthState is the login progress of an end user against one chatbot.
type AuthState struct {
	ChatbotID   string            `json:"chatbotId"`
	EndUserID   string            `json:"endUserId"`
	Status      AuthStatus        `json:"authState"`
	CurrentStep string            `json:"currentStep,omitempty"`
	Collected   map[string]string `json:"-"`
	Roles       []string          `json:"roles,omitempty"`
	DisplayName string            `json:"displayName,omitempty"`
	Email       string            `json:"email,omitempty"`
	ExpiresAt   time.Time         `json:"expiresAt,omitzero"`
	UpdatedAt   time.Time         `json:"updatedAt,omitzero"`
	Version     int64             `json:"-"`
}

// AnonymousState returns the implicit state of a key without a stored row.
func AnonymousState(key AuthKey) AuthState {
	return AuthState{ChatbotID: key.ChatbotID, EndUserID: key.EndUserID, Status: AuthAnonymous}
}

// Key returns the state's key.
func (s AuthState) Key() AuthKey { return AuthKey{ChatbotID: s.ChatbotID, EndUserID: s.EndUserID} }

// Expired reports whether an authenticated state is past its expiry.
func (s AuthState) Expired(now time.Time) bool {
	return s.Status == AuthAuthenticated && !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Effective returns the state as observed at now: an expired authenticated
// state reads as anonymous.
func (s AuthState) Effective(now time.Time) AuthState {
	if s.Expired(now) {
		out := AnonymousState(s.Key())
		out.Version = s.Version
		out.UpdatedAt = s.UpdatedAt
		return out
	}
	return s
}

// Clone returns a deep copy.
func (s AuthState) Clone() AuthState {
	s.Collected = maps.Clone(s.Collected)
	s.Roles = slices.Clone(s.Roles)
	return s
}

// AuthStateStore persists auth states. UpdateAuthState is a transactional
// read-modify-write: fn receives the current state (anonymous when absent)
// and no concurrent update of the same key is lost.
type AuthStateStore interface {
	GetAuthState(ctx context.Context, key AuthKey) (*AuthState, error)
	UpdateAuthState(ctx context.Context, key AuthKey, fn func(*AuthState) error) (*AuthState, error)
	DeleteExpiredAuthStates(ctx context.Context, now time.Time) (int, error)
}
