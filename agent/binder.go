package agent

import (
	"fmt"

	"github.com/hupe1980/supportmesh/core"
	"github.com/hupe1980/supportmesh/logging"
	"github.com/hupe1980/supportmesh/model"
	"github.com/hupe1980/supportmesh/tool"
)

// BinderOptions configures a Binder.
type BinderOptions struct {
	EnableStreaming    bool
	MaxHistoryMessages int
	Logger             logging.Logger
}

// Binder turns agent specs into ModelAgents for one turn.
type Binder struct {
	models *model.Registry
	tools  *tool.Registry
	opts   BinderOptions
}

// NewBinder creates a Binder over the model and tool registries.
func NewBinder(models *model.Registry, tools *tool.Registry, optFns ...func(o *BinderOptions)) *Binder {
	opts := BinderOptions{
		EnableStreaming:    true,
		MaxHistoryMessages: 20,
		Logger:             logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if tools == nil {
		tools = tool.NewRegistry()
	}

	return &Binder{models: models, tools: tools, opts: opts}
}

// Bind resolves spec's model and tools against ac. An unresolvable model is
// an error wrapping core.ErrModelUnavailable. Tools that cannot be built are
// dropped with a warning; the agent runs without them.
func (b *Binder) Bind(spec core.AgentSpec, ac *core.AgentContext) (*ModelAgent, error) {
	if b.models == nil {
		return nil, fmt.Errorf("%w: no model registry", core.ErrModelUnavailable)
	}

	llm, err := b.models.Resolve(spec.ModelID)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", spec.ID, err)
	}

	tools, err := b.tools.Resolve(ac, spec)
	if err != nil {
		b.opts.Logger.Warn("agent.tools.unresolved", "agent", spec.ID, "error", err.Error())
	}

	return NewModelAgent(spec, llm, func(o *ModelAgentOptions) {
		o.Tools = tools
		o.EnableStreaming = b.opts.EnableStreaming
		o.MaxHistoryMessages = b.opts.MaxHistoryMessages
	}), nil
}
