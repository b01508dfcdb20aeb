package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const supportDeskYAML = `
id: support-desk
name: Support Desk
supervisor:
  id: triage
  role: supervisor
  prompt: "You route customers of {{.company}}."
  model: mock
  workers: [billing, tech]
  routing_strategy: intent
  fallback_behavior: handle-directly
workers:
  - id: billing
    role: billing
    prompt: "You handle invoices."
    model: mock
    tools: [knowledge_lookup]
    intents: [invoice, refund]
  - id: tech
    role: tech
    prompt: "You fix things."
    model: mock
    intents: [error, crash]
variables:
  - name: company
    type: plain
    default: Acme
  - name: crm_token
    type: secret
auth:
  required: true
  session_ttl: 30m
  steps:
    - id: email
      name: Email
      prompt_hint: Ask the customer for their email address.
      fields:
        - name: email
          type: email
          required: true
always_escalate: [issue_refund]
`

func TestParsePackage(t *testing.T) {
	p, err := ParsePackage([]byte(supportDeskYAML))
	require.NoError(t, err)

	assert.Equal(t, "support-desk", p.ID)
	require.NotNil(t, p.Supervisor)
	assert.Equal(t, RoutingIntent, p.Supervisor.RoutingStrategy)
	assert.Len(t, p.Agents(), 3)
	assert.True(t, p.IsWorker("tech"))
	assert.False(t, p.IsWorker("triage"))
	assert.True(t, p.AuthRequired())
	assert.Equal(t, 30*time.Minute, p.Auth.SessionTTL)
	assert.Equal(t, FieldEmail, p.Auth.Steps[0].Fields[0].Type)
	assert.True(t, p.Variables[1].Type.IsSecured())
}

func TestPackageValidate(t *testing.T) {
	tests := []struct {
		name string
		pkg  PackageDefinition
	}{
		{"no agents", PackageDefinition{ID: "empty"}},
		{"duplicate ids", PackageDefinition{Workers: []AgentSpec{{ID: "a"}, {ID: "a"}}}},
		{"unknown worker", PackageDefinition{Supervisor: &AgentSpec{ID: "s", Workers: []string{"ghost"}}, Workers: []AgentSpec{{ID: "a"}}}},
		{"bad strategy", PackageDefinition{Supervisor: &AgentSpec{ID: "s", RoutingStrategy: "dice"}}},
		{"auth without steps", PackageDefinition{Workers: []AgentSpec{{ID: "a"}}, Auth: &AuthSpec{Required: true}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.pkg.Validate(), ErrInvalidPackage)
		})
	}
}

func TestLoadPackages(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "desk.yaml"), []byte(supportDeskYAML), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o600))

	pkgs, err := LoadPackages(dir)
	require.NoError(t, err)
	require.Len(t, pkgs, 1)
	assert.Equal(t, "support-desk", pkgs[0].ID)
}

func TestAuthState_Effective(t *testing.T) {
	now := time.Now()
	s := AuthState{ChatbotID: "bot", EndUserID: "u", Status: AuthAuthenticated, ExpiresAt: now.Add(-time.Second), Roles: []string{"customer"}}

	eff := s.Effective(now)
	assert.Equal(t, AuthAnonymous, eff.Status)
	assert.Empty(t, eff.Roles)

	s.ExpiresAt = now.Add(time.Hour)
	assert.Equal(t, AuthAuthenticated, s.Effective(now).Status)
}

func TestConversationStatus_CanTransition(t *testing.T) {
	assert.True(t, ConversationActive.CanTransition(ConversationResolved))
	assert.True(t, ConversationActive.CanTransition(ConversationAbandoned))
	assert.False(t, ConversationResolved.CanTransition(ConversationActive))
	assert.False(t, ConversationAbandoned.CanTransition(ConversationResolved))
}

func TestAgentContext_LogValueRedactsSecrets(t *testing.T) {
	ac := NewAgentContext("acme", "bot", ChannelAPI, map[string]string{"tone": "friendly"}, map[string]string{"token": "hunter2"})
	assert.NotContains(t, ac.LogValue().String(), "hunter2")
	assert.Equal(t, []string{"token"}, ac.SecretNames())
}
