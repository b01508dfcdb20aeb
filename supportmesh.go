// Package supportmesh is the embeddable entry point of the orchestration
// engine. It wires packages, models, tools, stores, the auth gate, the
// escalation router and the call manager into one value:
//
//	mesh := supportmesh.New(func(o *supportmesh.Options) {
//		o.Models.Register("claude", claudeModel)
//	})
//	if err := mesh.Deploy("acme", "helpdesk", pkg); err != nil {
//		return err
//	}
//	res, err := mesh.SendSync(ctx, runner.Inbound{TenantID: "acme", ChatbotID: "helpdesk", SessionID: sid, Message: "hi"})
//
// Every store defaults to an in-memory implementation, which is fine for
// development and tests. Production deployments pass the SQL store.
package supportmesh

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/supportmesh/agent"
	"github.com/hupe1980/supportmesh/agentctx"
	"github.com/hupe1980/supportmesh/auth"
	"github.com/hupe1980/supportmesh/cache"
	"github.com/hupe1980/supportmesh/call"
	"github.com/hupe1980/supportmesh/core"
	"github.com/hupe1980/supportmesh/dispatch"
	"github.com/hupe1980/supportmesh/engine"
	"github.com/hupe1980/supportmesh/escalation"
	"github.com/hupe1980/supportmesh/logging"
	"github.com/hupe1980/supportmesh/memory"
	"github.com/hupe1980/supportmesh/model"
	"github.com/hupe1980/supportmesh/runner"
	"github.com/hupe1980/supportmesh/session"
	"github.com/hupe1980/supportmesh/tool"
)

// Options configures a SupportMesh.
type Options struct {
	EngineConfig engine.Config
	// Dispatcher overrides the default routing limits.
	Dispatcher *dispatch.Dispatcher
	// HistoryLimit is the number of persisted messages replayed per turn.
	HistoryLimit int
	// AuthSessionTTL is the default lifetime of an authenticated session.
	AuthSessionTTL time.Duration

	Models *model.Registry
	// Tools defaults to request_human plus knowledge_lookup over Knowledge.
	Tools     *tool.Registry
	Knowledge core.KnowledgeSearcher

	Conversations core.ConversationStore
	AuthStates    core.AuthStateStore
	Escalations   core.EscalationStore
	Calls         core.CallStore
	// Variables supplies tenant variable values. Nil means package defaults
	// only.
	Variables core.VariableSource
	Cache     cache.Cache

	Escalation func(o *escalation.Options)
	Call       func(o *call.Options)

	Logger logging.Logger
}

// SupportMesh bundles the runner and the call manager.
type SupportMesh struct {
	opts   Options
	engine *engine.Engine
	runner *runner.Runner
	calls  *call.Manager
}

// New creates a SupportMesh. Unset collaborators get in-memory defaults.
func New(optFns ...func(o *Options)) *SupportMesh {
	opts := Options{
		EngineConfig: engine.DefaultConfig,
		Models:       model.NewRegistry(),
		Logger:       logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Knowledge == nil {
		opts.Knowledge = memory.NewInMemoryStore()
	}
	if opts.Tools == nil {
		opts.Tools = tool.NewRegistry(tool.NewRequestHumanTool(), tool.NewKnowledgeLookupTool(opts.Knowledge))
	}
	if opts.Conversations == nil {
		opts.Conversations = session.NewInMemoryStore()
	}
	if opts.AuthStates == nil {
		opts.AuthStates = auth.NewMemoryStore()
	}
	if opts.Escalations == nil {
		opts.Escalations = escalation.NewMemoryStore()
	}
	if opts.Calls == nil {
		opts.Calls = call.NewMemoryStore()
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewMemory()
	}

	log := opts.Logger

	eng := engine.New(agent.NewBinder(opts.Models, opts.Tools), func(o *engine.Options) {
		o.Config = opts.EngineConfig
		o.Dispatcher = opts.Dispatcher
		o.Logger = log
	})

	router := escalation.NewRouter(opts.Escalations, func(o *escalation.Options) {
		o.Logger = log
		if opts.Escalation != nil {
			opts.Escalation(o)
		}
	})

	r := runner.New(eng, runner.NewCatalog(), func(o *runner.Options) {
		o.Conversations = opts.Conversations
		o.AgentContexts = agentctx.NewBuilder(func(o *agentctx.Options) {
			o.Source = opts.Variables
			o.Cache = opts.Cache
			o.Logger = log
		})
		o.Gate = auth.NewGate(opts.AuthStates, func(o *auth.Options) {
			if opts.AuthSessionTTL > 0 {
				o.SessionTTL = opts.AuthSessionTTL
			}
			o.Logger = log
		})
		o.Router = router
		o.Cache = opts.Cache
		if opts.HistoryLimit > 0 {
			o.HistoryLimit = opts.HistoryLimit
		}
		o.Logger = log
	})

	calls := call.NewManager(r.CallTurn, func(o *call.Options) {
		o.Store = opts.Calls
		o.Conversations = opts.Conversations
		o.Logger = log
		if opts.Call != nil {
			opts.Call(o)
		}
	})

	return &SupportMesh{opts: opts, engine: eng, runner: r, calls: calls}
}

// Deploy validates pkg against the tool registry, registers it and binds it
// to the tenant chatbot.
func (m *SupportMesh) Deploy(tenantID, chatbotID string, pkg *core.PackageDefinition) error {
	if err := pkg.Validate(); err != nil {
		return err
	}
	if err := m.opts.Tools.CheckPackage(pkg); err != nil {
		return fmt.Errorf("package %s: %w", pkg.ID, err)
	}

	m.runner.Catalog().Add(pkg)
	return m.runner.Catalog().Deploy(tenantID, chatbotID, pkg.ID)
}

// Send starts a turn and returns its stream.
func (m *SupportMesh) Send(ctx context.Context, in runner.Inbound) (*runner.Reply, error) {
	return m.runner.Handle(ctx, in)
}

// SendSync runs a turn to completion. The conversation id of the turn is
// reported in the result metadata.
func (m *SupportMesh) SendSync(ctx context.Context, in runner.Inbound) (*engine.Result, error) {
	reply, err := m.runner.Handle(ctx, in)
	if err != nil {
		return nil, err
	}

	res, err := engine.Collect(ctx, reply.Events)
	if res != nil && res.Metadata.ConversationID == "" {
		res.Metadata.ConversationID = reply.ConversationID
	}
	return res, err
}

// Runner returns the inbound message runner.
func (m *SupportMesh) Runner() *runner.Runner { return m.runner }

// Calls returns the call session manager.
func (m *SupportMesh) Calls() *call.Manager { return m.calls }

// Engine returns the execution engine, e.g. to register callbacks.
func (m *SupportMesh) Engine() *engine.Engine { return m.engine }

// Models returns the model registry.
func (m *SupportMesh) Models() *model.Registry { return m.opts.Models }

// Tools returns the tool registry.
func (m *SupportMesh) Tools() *tool.Registry { return m.opts.Tools }
