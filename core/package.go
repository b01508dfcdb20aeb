package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Routing strategies declared by a supervisor.
const (
	RoutingLLM    = "llm"
	RoutingIntent = "intent"
)

// Fallback behaviors applied by a supervisor when no worker intent matches.
const (
	FallbackHandleDirectly = "handle-directly"
	FallbackFirstWorker    = "first-worker"
)

// AgentSpec is the immutable template of one supervisor or worker agent.
type AgentSpec struct {
	ID               string            `yaml:"id" json:"id"`
	Role             string            `yaml:"role" json:"role"`
	Description      string            `yaml:"description" json:"description,omitempty"`
	Prompt           string            `yaml:"prompt" json:"prompt"`
	ModelID          string            `yaml:"model" json:"modelId"`
	Temperature      float64           `yaml:"temperature" json:"temperature"`
	Tools            []string          `yaml:"tools" json:"tools,omitempty"`
	ContextTools     []string          `yaml:"context_tools" json:"contextTools,omitempty"`
	Workers          []string          `yaml:"workers" json:"workers,omitempty"`
	RoutingStrategy  string            `yaml:"routing_strategy" json:"routingStrategy,omitempty"`
	FallbackBehavior string            `yaml:"fallback_behavior" json:"fallbackBehavior,omitempty"`
	Intents          []string          `yaml:"intents" json:"intents,omitempty"`
	Messages         map[string]string `yaml:"messages" json:"messages,omitempty"` // per tool UI notification overrides
}

// VariableDecl declares a package variable and its type.
type VariableDecl struct {
	Name    string       `yaml:"name"`
	Type    VariableType `yaml:"type"`
	Default string       `yaml:"default"`
}

// FieldType is the input kind of a login step field.
type FieldType string

// Login field types.
const (
	FieldText     FieldType = "text"
	FieldEmail    FieldType = "email"
	FieldPhone    FieldType = "phone"
	FieldNumber   FieldType = "number"
	FieldOTP      FieldType = "otp"
	FieldPassword FieldType = "password"
)

// Field is one input of a login step.
type Field struct {
	Name       string    `yaml:"name" json:"name"`
	Label      string    `yaml:"label" json:"label,omitempty"`
	Type       FieldType `yaml:"type" json:"type"`
	Required   bool      `yaml:"required" json:"required"`
	MinLength  int       `yaml:"min_length" json:"minLength,omitempty"`
	MaxLength  int       `yaml:"max_length" json:"maxLength,omitempty"`
	Pattern    string    `yaml:"pattern" json:"pattern,omitempty"`
	SecretHash string    `yaml:"secret_hash" json:"-"` // bcrypt hash a password field must match
}

// LoginStep is one step of the authentication flow.
type LoginStep struct {
	ID         string  `yaml:"id" json:"id"`
	Name       string  `yaml:"name" json:"name"`
	Fields     []Field `yaml:"fields" json:"fields"`
	PromptHint string  `yaml:"prompt_hint" json:"promptHint,omitempty"`
}

// StepDescriptor is the caller facing view of a login step.
type StepDescriptor struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Fields     []Field `json:"fields"`
	PromptHint string  `json:"promptHint,omitempty"`
}

// Descriptor returns the caller facing view of the step.
func (s LoginStep) Descriptor() *StepDescriptor {
	return &StepDescriptor{ID: s.ID, Name: s.Name, Fields: slices.Clone(s.Fields), PromptHint: s.PromptHint}
}

// Identity is the authenticated end user resolved after the final step.
type Identity struct {
	DisplayName string   `json:"displayName,omitempty"`
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles,omitempty"`
}

// AuthGuard defines the login flow of a package.
type AuthGuard interface {
	// LoginSteps returns the ordered steps. The order is fixed for the
	// lifetime of the guard.
	LoginSteps() []LoginStep
	// VerifyStep checks submitted values beyond field validation, with the
	// values collected by earlier steps.
	VerifyStep(ctx context.Context, step LoginStep, values, collected map[string]string) error
	// Identify resolves the identity once every step passed.
	Identify(ctx context.Context, collected map[string]string) (Identity, error)
}

// AuthSpec is the declarative auth configuration of a package.
type AuthSpec struct {
	Required     bool          `yaml:"required"`
	SessionTTL   time.Duration `yaml:"session_ttl"`
	Steps        []LoginStep   `yaml:"steps"`
	DefaultRoles []string      `yaml:"default_roles"`
	NameField    string        `yaml:"name_field"`
	EmailField   string        `yaml:"email_field"`
}

// PackageDefinition is the immutable template deployed per tenant chatbot.
type PackageDefinition struct {
	ID             string         `yaml:"id"`
	Name           string         `yaml:"name"`
	Supervisor     *AgentSpec     `yaml:"supervisor"`
	Workers        []AgentSpec    `yaml:"workers"`
	Variables      []VariableDecl `yaml:"variables"`
	Auth           *AuthSpec      `yaml:"auth"`
	AlwaysEscalate []string       `yaml:"always_escalate"`

	// Guard overrides the guard derived from Auth. Set at load time.
	Guard AuthGuard `yaml:"-"`
}

// Agents returns the supervisor (if any) followed by the workers.
func (p *PackageDefinition) Agents() []AgentSpec {
	var out []AgentSpec
	if p.Supervisor != nil {
		out = append(out, *p.Supervisor)
	}
	return append(out, p.Workers...)
}

// Agent looks up an agent spec by id.
func (p *PackageDefinition) Agent(id string) (AgentSpec, bool) {
	if p.Supervisor != nil && p.Supervisor.ID == id {
		return *p.Supervisor, true
	}
	for _, w := range p.Workers {
		if w.ID == id {
			return w, true
		}
	}
	return AgentSpec{}, false
}

// IsWorker reports whether id names a worker.
func (p *PackageDefinition) IsWorker(id string) bool {
	for _, w := range p.Workers {
		if w.ID == id {
			return true
		}
	}
	return false
}

// AuthRequired reports whether turns must pass the auth gate.
func (p *PackageDefinition) AuthRequired() bool {
	return p.Auth != nil && p.Auth.Required
}

// Validate checks structural invariants of the package.
func (p *PackageDefinition) Validate() error {
	agents := p.Agents()
	if len(agents) == 0 {
		return fmt.Errorf("%w: %s declares no agents", ErrInvalidPackage, p.ID)
	}

	seen := map[string]bool{}
	for _, a := range agents {
		if a.ID == "" {
			return fmt.Errorf("%w: agent without id", ErrInvalidPackage)
		}
		if seen[a.ID] {
			return fmt.Errorf("%w: duplicate agent id %q", ErrInvalidPackage, a.ID)
		}
		seen[a.ID] = true
	}

	if s := p.Supervisor; s != nil {
		for _, w := range s.Workers {
			if !p.IsWorker(w) {
				return fmt.Errorf("%w: supervisor %q lists unknown worker %q", ErrInvalidPackage, s.ID, w)
			}
		}
		switch s.RoutingStrategy {
		case "", RoutingLLM, RoutingIntent:
		default:
			return fmt.Errorf("%w: unknown routing strategy %q", ErrInvalidPackage, s.RoutingStrategy)
		}
		switch s.FallbackBehavior {
		case "", FallbackHandleDirectly, FallbackFirstWorker:
		default:
			return fmt.Errorf("%w: unknown fallback behavior %q", ErrInvalidPackage, s.FallbackBehavior)
		}
	}

	if p.Auth != nil {
		steps := map[string]bool{}
		for _, st := range p.Auth.Steps {
			if st.ID == "" || steps[st.ID] {
				return fmt.Errorf("%w: login step ids must be unique and non-empty", ErrInvalidPackage)
			}
			steps[st.ID] = true
		}
		if p.Auth.Required && len(p.Auth.Steps) == 0 && p.Guard == nil {
			return fmt.Errorf("%w: auth required without login steps", ErrInvalidPackage)
		}
	}

	return nil
}

// ParsePackage decodes and validates a YAML package definition.
func ParsePackage(data []byte) (*PackageDefinition, error) {
	var p PackageDefinition
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse package: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadPackages reads every *.yaml / *.yml file in dir, sorted by name.
func LoadPackages(dir string) ([]*PackageDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read package dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	pkgs := make([]*PackageDefinition, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read package %s: %w", name, err)
		}
		p, err := ParsePackage(data)
		if err != nil {
			return nil, fmt.Errorf("package %s: %w", name, err)
		}
		pkgs = append(pkgs, p)
	}

	return pkgs, nil
}
