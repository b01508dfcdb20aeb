package agent

import (
	"maps"

	"github.com/hupe1980/supportmesh/core"
	"github.com/hupe1980/supportmesh/internal/util"
)

// Provider supplies dynamic instruction text at runtime.
type Provider interface {
	Instruction(*core.RunContext) (string, error)
}

// Func is a functional adapter to allow ordinary functions to be used as Providers.
type Func func(*core.RunContext) (string, error)

// Instruction implements Provider.
func (f Func) Instruction(rc *core.RunContext) (string, error) { return f(rc) }

// Instruction is either a prompt template rendered over the turn's plain
// variables or a dynamic provider.
type Instruction struct {
	template string
	provider Provider
}

// NewInstructionFromTemplate creates an Instruction from a prompt template.
// Templates use Go text/template syntax over the plain variables, e.g.
// "You answer for {{.company_name}}. Hours: {{default \"9-17\" .hours}}".
func NewInstructionFromTemplate(text string) Instruction { return Instruction{template: text} }

// NewInstructionFromProvider creates an Instruction from a dynamic provider.
func NewInstructionFromProvider(p Provider) Instruction { return Instruction{provider: p} }

// NewInstructionFromFunc creates an Instruction from a function.
func NewInstructionFromFunc(f func(*core.RunContext) (string, error)) Instruction {
	return Instruction{provider: Func(f)}
}

// IsStatic returns true if the instruction is backed by a template.
func (i Instruction) IsStatic() bool { return i.provider == nil }

// Resolve returns the instruction text. Secured variables are never exposed
// to templates; besides the plain variables, channel, company_id and
// chatbot_id are available unless a variable of that name exists.
func (i Instruction) Resolve(rc *core.RunContext) (string, error) {
	if i.provider != nil {
		return i.provider.Instruction(rc)
	}
	return util.RenderPrompt(i.template, templateVars(rc.AgentContext))
}

func templateVars(ac *core.AgentContext) map[string]string {
	if ac == nil {
		return nil
	}
	vars := map[string]string{
		"channel":    string(ac.Channel()),
		"company_id": ac.CompanyID(),
		"chatbot_id": ac.ChatbotID(),
	}
	maps.Copy(vars, ac.Variables())
	return vars
}
