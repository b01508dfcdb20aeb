package testutil

import (
	"github.com/hupe1980/supportmesh/core"
)

// PackageBuilder helps construct package definitions with fluent chaining.
// Example:
//
//	pkg := NewPackageBuilder("desk").
//	    Supervisor("triage", core.RoutingIntent, core.FallbackHandleDirectly, "billing").
//	    Worker("billing", "invoice", "refund").
//	    Build()
type PackageBuilder struct {
	pkg core.PackageDefinition
}

// NewPackageBuilder starts a package with the given id.
func NewPackageBuilder(id string) *PackageBuilder {
	return &PackageBuilder{pkg: core.PackageDefinition{ID: id, Name: id}}
}

// Supervisor sets the supervisor (chainable).
func (b *PackageBuilder) Supervisor(id, strategy, fallback string, workers ...string) *PackageBuilder {
	b.pkg.Supervisor = &core.AgentSpec{
		ID:               id,
		Role:             "supervisor",
		Prompt:           "You are " + id + ", the front desk.",
		Workers:          workers,
		RoutingStrategy:  strategy,
		FallbackBehavior: fallback,
	}
	return b
}

// Worker appends a worker with the given intents (chainable).
func (b *PackageBuilder) Worker(id string, intents ...string) *PackageBuilder {
	b.pkg.Workers = append(b.pkg.Workers, core.AgentSpec{
		ID:      id,
		Role:    "worker",
		Prompt:  "You are " + id + ".",
		Intents: intents,
	})
	return b
}

// Agent applies fn to the agent with id (chainable).
func (b *PackageBuilder) Agent(id string, fn func(s *core.AgentSpec)) *PackageBuilder {
	if s := b.pkg.Supervisor; s != nil && s.ID == id {
		fn(s)
		return b
	}
	for i := range b.pkg.Workers {
		if b.pkg.Workers[i].ID == id {
			fn(&b.pkg.Workers[i])
		}
	}
	return b
}

// Variable declares a package variable (chainable).
func (b *PackageBuilder) Variable(name string, typ core.VariableType, def string) *PackageBuilder {
	b.pkg.Variables = append(b.pkg.Variables, core.VariableDecl{Name: name, Type: typ, Default: def})
	return b
}

// Auth sets the auth configuration (chainable).
func (b *PackageBuilder) Auth(spec *core.AuthSpec) *PackageBuilder {
	b.pkg.Auth = spec
	return b
}

// AlwaysEscalate lists capabilities that always escalate (chainable).
func (b *PackageBuilder) AlwaysEscalate(names ...string) *PackageBuilder {
	b.pkg.AlwaysEscalate = append(b.pkg.AlwaysEscalate, names...)
	return b
}

// Build returns the package. It panics when the package is invalid.
func (b *PackageBuilder) Build() *core.PackageDefinition {
	pkg := b.pkg
	if err := pkg.Validate(); err != nil {
		panic(err)
	}
	return &pkg
}

// SingleAgent returns a valid one-worker package.
func SingleAgent(id string, tools ...string) *core.PackageDefinition {
	return NewPackageBuilder("pkg-"+id).
		Worker(id).
		Agent(id, func(s *core.AgentSpec) { s.Tools = tools }).
		Build()
}

// EmailLoginSteps returns a two step login: email, then a one-time code.
func EmailLoginSteps() []core.LoginStep {
	return []core.LoginStep{
		{
			ID:   "email",
			Name: "Email",
			Fields: []core.Field{
				{Name: "email", Label: "Email address", Type: core.FieldEmail, Required: true},
			},
			PromptHint: "Please enter the email address of your account.",
		},
		{
			ID:   "otp",
			Name: "Verification code",
			Fields: []core.Field{
				{Name: "code", Label: "Code", Type: core.FieldOTP, Required: true, MinLength: 6, MaxLength: 6, Pattern: `^[0-9]+$`},
			},
			PromptHint: "Enter the 6 digit code we sent you.",
		},
	}
}
