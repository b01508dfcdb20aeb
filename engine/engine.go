package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/supportmesh/agent"
	"github.com/hupe1980/supportmesh/core"
	"github.com/hupe1980/supportmesh/dispatch"
	"github.com/hupe1980/supportmesh/flow"
	"github.com/hupe1980/supportmesh/logging"
	"github.com/hupe1980/supportmesh/tracing"
)

// Config defines tuning parameters of turn execution.
type Config struct {
	// EventBufferSize is the capacity of a turn's event channel.
	EventBufferSize int

	// MaxModelCalls bounds the model calls of one turn across all agents.
	MaxModelCalls int

	// MaxParallelTools bounds the concurrent tool calls of one model response.
	MaxParallelTools int

	// ToolTimeout bounds a single tool call. Zero disables the bound.
	ToolTimeout time.Duration

	// TurnTimeout bounds a whole turn once its lock is held. Zero disables
	// the bound.
	TurnTimeout time.Duration

	// MaxConcurrentTurns limits turns executing at once across all
	// conversations. Zero means unlimited.
	MaxConcurrentTurns int
}

// DefaultConfig provides the default configuration values.
var DefaultConfig = Config{
	EventBufferSize:  64,
	MaxModelCalls:    12,
	MaxParallelTools: 4,
	ToolTimeout:      30 * time.Second,
}

// Options configures an Engine.
type Options struct {
	Config     Config
	Dispatcher *dispatch.Dispatcher
	Callbacks  *CallbackManager
	Logger     logging.Logger
}

// Turn is the input of one engine run.
type Turn struct {
	ConversationID string
	// TurnID is generated when empty.
	TurnID       string
	Package      *core.PackageDefinition
	AgentContext *core.AgentContext
	Message      string
	// History is the conversation so far, oldest first. Agents see a bounded
	// window of it.
	History []core.Content
	// Prepare runs once the conversation's turn lock is held and before any
	// agent. When set, its result replaces History; an error fails the turn.
	Prepare func(ctx context.Context) ([]core.Content, error)
	// AfterTurn observes the settled turn before the event channel closes.
	AfterTurn func(ctx context.Context, cc *CallbackContext)
}

// Engine executes turns. It resolves the entry agent through the
// dispatcher, drives agents through their flows, enforces hand-off rules and
// streams events to the caller.
//
// Guarantees per turn:
//   - events are totally ordered and the terminal event (complete or error)
//     is emitted exactly once, last, after which the channel is closed
//   - turns of the same conversation run strictly one after another, in
//     arrival order; turns of different conversations run in parallel
//   - when the caller's context is cancelled no further events are produced
//     and the channel is closed without a terminal event
//
// Example:
//
//	events := eng.Run(ctx, engine.Turn{
//	    ConversationID: conv.ID,
//	    Package:        pkg,
//	    AgentContext:   ac,
//	    Message:        "What are your opening hours?",
//	})
//	for ev := range events {
//	    send(ev)
//	}
type Engine struct {
	binder     *agent.Binder
	dispatcher *dispatch.Dispatcher
	selector   *flow.Selector
	callbacks  *CallbackManager
	logger     logging.Logger
	config     Config

	locks *turnLocks
	slots chan struct{}

	// Active turn tracking, keyed by turn id.
	activeTurns map[string]context.CancelFunc
	turnsMu     sync.Mutex
}

// New creates an Engine binding agents through binder.
func New(binder *agent.Binder, optFns ...func(o *Options)) *Engine {
	opts := Options{
		Config:    DefaultConfig,
		Callbacks: NewCallbackManager(),
		Logger:    logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Dispatcher == nil {
		opts.Dispatcher = dispatch.New(func(o *dispatch.Options) { o.Logger = opts.Logger })
	}
	if opts.Config.EventBufferSize < 0 {
		opts.Config.EventBufferSize = DefaultConfig.EventBufferSize
	}

	executor := flow.NewParallelFunctionExecutor(flow.FunctionExecutorConfig{
		MaxParallel: opts.Config.MaxParallelTools,
		ToolTimeout: opts.Config.ToolTimeout,
	})

	var slots chan struct{}
	if opts.Config.MaxConcurrentTurns > 0 {
		slots = make(chan struct{}, opts.Config.MaxConcurrentTurns)
	}

	return &Engine{
		binder:      binder,
		dispatcher:  opts.Dispatcher,
		selector:    flow.NewSelector(executor),
		callbacks:   opts.Callbacks,
		logger:      opts.Logger,
		config:      opts.Config,
		locks:       newTurnLocks(),
		slots:       slots,
		activeTurns: make(map[string]context.CancelFunc),
	}
}

// Callbacks returns the engine's callback manager.
func (e *Engine) Callbacks() *CallbackManager { return e.callbacks }

// Run starts a turn and returns its event stream. Run never blocks; waiting
// for the conversation's turn lock happens inside the turn goroutine.
func (e *Engine) Run(ctx context.Context, turn Turn) <-chan core.StreamEvent {
	if turn.TurnID == "" {
		turn.TurnID = core.NewID()
	}

	stream := core.NewStream(ctx, e.config.EventBufferSize)

	go e.execute(ctx, turn, stream)

	return stream.Events()
}

// Busy reports whether a turn is running or queued for conversationID.
func (e *Engine) Busy(conversationID string) bool { return e.locks.busy(conversationID) }

// StopTurn cancels a running turn by id.
func (e *Engine) StopTurn(turnID string) error {
	e.turnsMu.Lock()
	cancel, ok := e.activeTurns[turnID]
	e.turnsMu.Unlock()

	if !ok {
		return fmt.Errorf("turn %s not found", turnID)
	}

	cancel()
	return nil
}

func (e *Engine) execute(parent context.Context, turn Turn, stream *core.Stream) {
	log := logging.With(e.logger, "conversation_id", turn.ConversationID, "turn_id", turn.TurnID)

	release, err := e.locks.acquire(parent, turn.ConversationID)
	if err != nil {
		log.Debug("engine.turn.abandoned", "phase", "queued")
		stream.Close()
		return
	}
	defer release()

	if e.slots != nil {
		select {
		case e.slots <- struct{}{}:
			defer func() { <-e.slots }()
		case <-parent.Done():
			stream.Close()
			return
		}
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if e.config.TurnTimeout > 0 {
		ctx, cancel = context.WithTimeout(parent, e.config.TurnTimeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	defer cancel()

	e.turnsMu.Lock()
	e.activeTurns[turn.TurnID] = cancel
	e.turnsMu.Unlock()
	defer func() {
		e.turnsMu.Lock()
		delete(e.activeTurns, turn.TurnID)
		e.turnsMu.Unlock()
	}()

	ctx, span := tracing.StartSpan(ctx, "engine.turn",
		tracing.StringAttr("conversation_id", turn.ConversationID),
		tracing.StringAttr("turn_id", turn.TurnID),
	)

	start := time.Now()
	log.Info("engine.turn.start", "package", packageID(turn.Package))

	var prepErr error
	if turn.Prepare != nil {
		turn.History, prepErr = turn.Prepare(ctx)
	}

	rc := core.NewRunContext(
		ctx,
		turn.ConversationID,
		turn.TurnID,
		turn.AgentContext,
		core.NewTextContent("user", turn.Message),
		turn.History,
		stream,
		e.config.MaxModelCalls,
		log,
	)

	var (
		agentID string
		runErr  error
	)
	if prepErr != nil {
		runErr = core.NewEngineError(core.CodeInternal, "the conversation could not be loaded", prepErr)
	} else {
		agentID, runErr = e.runTurn(rc, turn)
	}
	summary := rc.Turn.Summary()

	if runErr != nil {
		log.Warn("engine.turn.failed", "agent", agentID, "code", core.ErrorCode(runErr), "error", runErr.Error(),
			"duration_ms", time.Since(start).Milliseconds())
	} else {
		log.Info("engine.turn.complete", "agent", agentID, "tools", len(summary.ToolsUsed),
			"handoffs", len(summary.Handoffs), "duration_ms", time.Since(start).Milliseconds())
	}

	// Observers run before the terminal event so a caller that saw it also
	// sees their effects.
	cc := &CallbackContext{
		ConversationID: turn.ConversationID,
		TurnID:         turn.TurnID,
		AgentID:        agentID,
		Summary:        &summary,
		Content:        stream.Content(),
		Err:            runErr,
		Abandoned:      parent.Err() != nil,
	}
	obsCtx := context.WithoutCancel(parent)
	if err := e.callbacks.ExecuteCallbacks(obsCtx, CallbackAfterTurn, cc); err != nil {
		log.Warn("engine.callback.failed", "error", err.Error())
	}
	if turn.AfterTurn != nil {
		turn.AfterTurn(obsCtx, cc)
	}

	switch {
	case cc.Abandoned:
		// The caller is gone; nothing more is emitted.
	case runErr == nil:
		runErr = stream.Complete(core.CompleteMetadata{
			ProcessingTimeMs: time.Since(start).Milliseconds(),
			ModelID:          summary.ModelID,
			ToolsUsed:        summary.ToolsUsed,
			Sources:          summary.Sources,
			AgentID:          agentID,
			Handoffs:         summary.Handoffs,
			ConversationID:   turn.ConversationID,
		})
	default:
		code := core.ErrorCode(runErr)
		if errors.Is(runErr, context.DeadlineExceeded) {
			code = core.CodeCancelled
		}
		_ = stream.Fail(code, errorMessage(runErr))
	}

	tracing.End(span, runErr)
	stream.Close()
}

// runTurn routes the message and drives agents until one answers. It
// returns the id of the last agent holding the turn.
func (e *Engine) runTurn(rc *core.RunContext, turn Turn) (agentID string, err error) {
	defer func() {
		if r := recover(); r != nil {
			rc.LogError("engine.turn.panic", "recover", r)
			err = core.NewEngineError(core.CodeInternal, "internal error", fmt.Errorf("panic: %v", r))
		}
	}()

	if err := e.callbacks.ExecuteCallbacks(rc.Context, CallbackBeforeTurn, &CallbackContext{
		ConversationID: turn.ConversationID,
		TurnID:         turn.TurnID,
	}); err != nil {
		return "", core.NewEngineError(core.CodeInternal, "turn rejected", err)
	}

	if turn.AgentContext == nil {
		return "", core.NewEngineError(core.CodeContextBuildFailed, "agent context is missing", nil)
	}

	_ = rc.Thinking("Routing your request", 0)

	pkg := turn.Package
	plan, err := e.dispatcher.Resolve(pkg, turn.Message)
	if err != nil {
		return "", core.NewEngineError(core.CodeDispatchError, "no agent can handle this conversation", err)
	}
	rc.LogDebug("engine.turn.routed", "mode", plan.Mode, "entry", plan.Entry, "intent", plan.Intent)

	routing := e.dispatcher.NewRouting(pkg, plan)

	if plan.Delegated && pkg.Supervisor != nil {
		rc.Turn.RecordHandoff(plan.Entry)
		if err := rc.Notify(dispatch.Describe(pkg, pkg.Supervisor.ID, plan.Entry)); err != nil {
			return plan.Entry, err
		}
	}

	// Routing bounds the hand-offs, the limiter bounds the model calls.
	for {
		agentID = routing.Current()

		spec, ok := pkg.Agent(agentID)
		if !ok {
			return agentID, core.NewEngineError(core.CodeDispatchError, "agent not found", fmt.Errorf("%w: %s", core.ErrUnknownAgent, agentID))
		}

		bound, err := e.binder.Bind(spec, rc.AgentContext)
		if err != nil {
			return agentID, core.NewEngineError(core.CodeModelUnavailable, "the language model is unavailable", err)
		}

		if err := e.callbacks.ExecuteCallbacks(rc.Context, CallbackBeforeAgent, &CallbackContext{
			ConversationID: turn.ConversationID,
			TurnID:         turn.TurnID,
			AgentID:        agentID,
		}); err != nil {
			return agentID, core.NewEngineError(core.CodeInternal, "agent rejected", err)
		}

		from := agentID
		agentRC := rc.WithAgent(bound.Info(), func(target string) error {
			if err := routing.Authorize(from, target); err != nil {
				return err
			}
			rc.Turn.RecordHandoff(target)
			if err := e.callbacks.ExecuteCallbacks(context.WithoutCancel(rc.Context), CallbackOnHandoff, &CallbackContext{
				ConversationID: turn.ConversationID,
				TurnID:         turn.TurnID,
				AgentID:        from,
				Target:         target,
			}); err != nil {
				rc.LogWarn("engine.callback.failed", "error", err.Error())
			}
			return rc.Notify(dispatch.Describe(pkg, from, target))
		})
		agentRC.Targets = routing.Targets(from)

		out, err := e.selector.SelectFlow(agentRC, bound).Run(agentRC)
		if err != nil {
			return agentID, err
		}

		if out.TransferTo == "" {
			return agentID, nil
		}
	}
}

func packageID(pkg *core.PackageDefinition) string {
	if pkg == nil {
		return ""
	}
	return pkg.ID
}

// errorMessage returns the caller facing message of err. Internal details
// stay in the logs.
func errorMessage(err error) string {
	var ee *core.EngineError
	if errors.As(err, &ee) && ee.Message != "" {
		return ee.Message
	}
	switch core.ErrorCode(err) {
	case core.CodeModelUnavailable:
		return "the language model is unavailable"
	case core.CodeCancelled:
		return "the turn was cancelled"
	default:
		return "the turn failed"
	}
}
