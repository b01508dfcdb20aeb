package core

import (
	"context"
	"log/slog"
	"maps"
	"sort"
)

// Channel identifies the inbound surface of a conversation.
type Channel string

// Known channels.
const (
	ChannelWidget Channel = "widget"
	ChannelAPI    Channel = "api"
	ChannelVoice  Channel = "voice"
)

// AgentContext is the per-turn configuration handed to prompts and tools. It
// is never mutated after construction and is safe to share across the
// concurrent tool calls of one turn.
type AgentContext struct {
	variables        map[string]string
	securedVariables map[string]string
	channel          Channel
	companyID        string
	chatbotID        string
}

// NewAgentContext copies the given maps into a new AgentContext.
func NewAgentContext(companyID, chatbotID string, channel Channel, variables, secured map[string]string) *AgentContext {
	ac := &AgentContext{
		variables:        make(map[string]string, len(variables)),
		securedVariables: make(map[string]string, len(secured)),
		channel:          channel,
		companyID:        companyID,
		chatbotID:        chatbotID,
	}
	maps.Copy(ac.variables, variables)
	maps.Copy(ac.securedVariables, secured)
	return ac
}

// EmptyAgentContext returns a context with no variables.
func EmptyAgentContext(companyID, chatbotID string, channel Channel) *AgentContext {
	return NewAgentContext(companyID, chatbotID, channel, nil, nil)
}

// Variable returns a plain variable.
func (a *AgentContext) Variable(name string) (string, bool) {
	v, ok := a.variables[name]
	return v, ok
}

// Secret returns a secured variable. Secured values must not be logged.
func (a *AgentContext) Secret(name string) (string, bool) {
	v, ok := a.securedVariables[name]
	return v, ok
}

// Variables returns a copy of the plain variables.
func (a *AgentContext) Variables() map[string]string { return maps.Clone(a.variables) }

// SecretNames lists the secured variable names, sorted.
func (a *AgentContext) SecretNames() []string {
	names := make([]string, 0, len(a.securedVariables))
	for k := range a.securedVariables {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Channel returns the inbound channel.
func (a *AgentContext) Channel() Channel { return a.channel }

// CompanyID returns the tenant id.
func (a *AgentContext) CompanyID() string { return a.companyID }

// ChatbotID returns the chatbot id.
func (a *AgentContext) ChatbotID() string { return a.chatbotID }

// LogValue implements slog.LogValuer; secured values are redacted.
func (a *AgentContext) LogValue() slog.Value {
	secrets := make([]any, 0, len(a.securedVariables))
	for _, name := range a.SecretNames() {
		secrets = append(secrets, slog.String(name, "[REDACTED]"))
	}
	return slog.GroupValue(
		slog.String("company_id", a.companyID),
		slog.String("chatbot_id", a.chatbotID),
		slog.String("channel", string(a.channel)),
		slog.Any("variables", a.variables),
		slog.Group("secured", secrets...),
	)
}

// VariableType partitions variables into plain and secured maps.
type VariableType string

// Variable types. Any other declared type is treated as plain.
const (
	VariablePlain    VariableType = "plain"
	VariableSecret   VariableType = "secret"
	VariableSecured  VariableType = "secured"
	VariablePassword VariableType = "password"
)

// IsSecured reports whether values of this type are redacted.
func (t VariableType) IsSecured() bool {
	return t == VariableSecret || t == VariableSecured || t == VariablePassword
}

// VariableRecord is a tenant specific variable value.
type VariableRecord struct {
	Name         string       `json:"name" yaml:"name"`
	Value        string       `json:"value" yaml:"value"`
	VariableType VariableType `json:"variableType" yaml:"type"`
}

// VariableSource loads tenant variable records for a chatbot.
type VariableSource interface {
	Variables(ctx context.Context, tenantID, chatbotID string) ([]VariableRecord, error)
}
