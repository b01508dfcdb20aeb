package agent

import (
	"github.com/hupe1980/supportmesh/core"
	"github.com/hupe1980/supportmesh/model"
	"github.com/hupe1980/supportmesh/tool"
)

// ModelAgentOptions configures a ModelAgent instance.
type ModelAgentOptions struct {
	Instruction        Instruction
	EnableStreaming    bool
	MaxHistoryMessages int
	Temperature        *float64
	Tools              map[string]tool.Tool
	// Messages overrides tool notification texts, keyed "<tool>.executing"
	// and "<tool>.completed".
	Messages map[string]string
}

// ModelAgent is one agent of a package bound for a single turn.
type ModelAgent struct {
	spec               core.AgentSpec
	llm                model.Model
	instruction        Instruction
	tools              map[string]tool.Tool
	enableStreaming    bool
	maxHistoryMessages int
	temperature        *float64
	messages           map[string]string
}

// NewModelAgent creates an agent for spec driven by llm. Without options the
// spec prompt is used as the instruction template, streaming is enabled and
// the history window holds 20 messages.
func NewModelAgent(spec core.AgentSpec, llm model.Model, optFns ...func(o *ModelAgentOptions)) *ModelAgent {
	opts := ModelAgentOptions{
		Instruction:        NewInstructionFromTemplate(spec.Prompt),
		EnableStreaming:    true,
		MaxHistoryMessages: 20,
		Messages:           spec.Messages,
		Tools:              map[string]tool.Tool{},
	}
	if spec.Temperature > 0 {
		t := spec.Temperature
		opts.Temperature = &t
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &ModelAgent{
		spec:               spec,
		llm:                llm,
		instruction:        opts.Instruction,
		tools:              opts.Tools,
		enableStreaming:    opts.EnableStreaming,
		maxHistoryMessages: opts.MaxHistoryMessages,
		temperature:        opts.Temperature,
		messages:           opts.Messages,
	}
}

// ID returns the agent id within its package.
func (a *ModelAgent) ID() string { return a.spec.ID }

// Spec returns the agent's template.
func (a *ModelAgent) Spec() core.AgentSpec { return a.spec }

// Info returns the agent identity carried by the run context.
func (a *ModelAgent) Info() core.AgentInfo { return core.AgentInfo{ID: a.spec.ID, Role: a.spec.Role} }

// Model returns the language model instance.
func (a *ModelAgent) Model() model.Model { return a.llm }

// ResolveInstructions renders the system prompt for the turn.
func (a *ModelAgent) ResolveInstructions(rc *core.RunContext) (string, error) {
	return a.instruction.Resolve(rc)
}

// Tools returns the tools resolved for this turn.
func (a *ModelAgent) Tools() map[string]tool.Tool { return a.tools }

// Temperature returns the sampling temperature override.
func (a *ModelAgent) Temperature() *float64 { return a.temperature }

// IsStreamingEnabled reports whether partial text is requested from the model.
func (a *ModelAgent) IsStreamingEnabled() bool { return a.enableStreaming }

// MaxHistoryMessages returns the history window.
func (a *ModelAgent) MaxHistoryMessages() int { return a.maxHistoryMessages }

// ToolMessages returns the notification texts for toolName. Spec overrides
// win over the tool's own texts.
func (a *ModelAgent) ToolMessages(toolName string) (executing, completed string) {
	if t, ok := a.tools[toolName]; ok {
		if n, ok := t.(tool.Notifier); ok {
			executing, completed = n.ExecutingMessage(), n.CompletedMessage()
		}
	} else if toolName == tool.TransferToolName {
		executing = "Finding the right specialist"
	}

	if msg, ok := a.messages[toolName+".executing"]; ok {
		executing = msg
	}
	if msg, ok := a.messages[toolName+".completed"]; ok {
		completed = msg
	}

	return executing, completed
}
