package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/supportmesh/agentctx"
	"github.com/hupe1980/supportmesh/auth"
	"github.com/hupe1980/supportmesh/cache"
	"github.com/hupe1980/supportmesh/core"
	"github.com/hupe1980/supportmesh/engine"
	"github.com/hupe1980/supportmesh/escalation"
	"github.com/hupe1980/supportmesh/logging"
	"github.com/hupe1980/supportmesh/session"
	"github.com/hupe1980/supportmesh/tracing"
)

// Defaults applied by New.
const (
	DefaultSessionTTL   = 24 * time.Hour
	DefaultHistoryLimit = 20
)

const defaultAuthHint = "Please sign in to continue."

// Inbound is one end user message.
type Inbound struct {
	TenantID  string
	ChatbotID string
	EndUserID string
	// SessionID binds widget messages to a conversation. Ignored when
	// ConversationID is set.
	SessionID string
	// ConversationID addresses an existing conversation directly.
	ConversationID string
	Channel        core.Channel
	Message        string
}

// Reply is the result of Handle. Events carries the turn's stream; for an
// auth challenge it holds a single complete event whose metadata names the
// login step.
type Reply struct {
	ConversationID string
	TurnID         string
	Challenge      *auth.Challenge
	Events         <-chan core.StreamEvent
}

// Options configures a Runner.
type Options struct {
	Conversations core.ConversationStore
	AgentContexts *agentctx.Builder
	Gate          *auth.Gate
	Router        *escalation.Router
	// Cache holds session to conversation bindings.
	Cache cache.Cache
	// SessionTTL bounds how long a widget session binding is remembered.
	SessionTTL time.Duration
	// HistoryLimit is the number of persisted messages loaded per turn.
	HistoryLimit int
	Logger       logging.Logger
}

// Runner wires conversations, the auth gate, the engine and the escalation
// router into the inbound message path.
type Runner struct {
	engine  *engine.Engine
	catalog *Catalog
	opts    Options

	// resolveMu serializes conversation lookup and creation so concurrent
	// first messages of one session share a conversation.
	resolveMu sync.Mutex
}

// New creates a Runner.
func New(eng *engine.Engine, catalog *Catalog, optFns ...func(o *Options)) *Runner {
	opts := Options{
		SessionTTL:   DefaultSessionTTL,
		HistoryLimit: DefaultHistoryLimit,
		Logger:       logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Conversations == nil {
		opts.Conversations = session.NewInMemoryStore()
	}
	if opts.AgentContexts == nil {
		opts.AgentContexts = agentctx.NewBuilder(func(o *agentctx.Options) { o.Logger = opts.Logger })
	}
	if opts.Gate == nil {
		opts.Gate = auth.NewGate(auth.NewMemoryStore(), func(o *auth.Options) { o.Logger = opts.Logger })
	}
	if opts.Router == nil {
		opts.Router = escalation.NewRouter(escalation.NewMemoryStore(), func(o *escalation.Options) { o.Logger = opts.Logger })
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewMemory()
	}

	return &Runner{engine: eng, catalog: catalog, opts: opts}
}

// Catalog returns the package catalog.
func (r *Runner) Catalog() *Catalog { return r.catalog }

// Conversations returns the conversation store.
func (r *Runner) Conversations() core.ConversationStore { return r.opts.Conversations }

// Gate returns the auth gate.
func (r *Runner) Gate() *auth.Gate { return r.opts.Gate }

// Router returns the escalation router.
func (r *Runner) Router() *escalation.Router { return r.opts.Router }

// Handle runs one inbound message. The returned error covers failures before
// the turn starts; everything after is reported on the event stream.
func (r *Runner) Handle(ctx context.Context, in Inbound) (*Reply, error) {
	if in.Channel == "" {
		in.Channel = core.ChannelWidget
	}

	pkg, err := r.catalog.Package(in.TenantID, in.ChatbotID)
	if err != nil {
		return nil, err
	}

	conv, err := r.resolve(ctx, in)
	if err != nil {
		return nil, err
	}

	log := logging.With(r.opts.Logger, "conversation_id", conv.ID, "chatbot_id", in.ChatbotID)

	challenge, err := r.opts.Gate.Check(ctx, pkg, in.ChatbotID, in.EndUserID)
	if err != nil {
		return nil, err
	}
	if challenge != nil {
		log.Info("runner.auth.challenge", "step", challenge.Step.ID)
		return r.challenge(ctx, conv, in, challenge)
	}

	ac := r.opts.AgentContexts.Build(ctx, agentctx.Request{
		TenantID:  in.TenantID,
		ChatbotID: in.ChatbotID,
		Channel:   in.Channel,
		Package:   pkg,
	})

	turnID := core.NewID()
	events := r.engine.Run(ctx, engine.Turn{
		ConversationID: conv.ID,
		TurnID:         turnID,
		Package:        pkg,
		AgentContext:   ac,
		Message:        in.Message,
		// History and the user message are read and written under the
		// conversation's turn lock so queued turns see the previous answer.
		Prepare: func(ctx context.Context) ([]core.Content, error) {
			history, err := r.history(ctx, conv.ID)
			if err != nil {
				return nil, err
			}
			if err := r.opts.Conversations.AppendMessage(ctx, core.NewMessage(conv.ID, core.RoleUser, core.MessageText, in.Message)); err != nil {
				return nil, fmt.Errorf("persist user message: %w", err)
			}
			return history, nil
		},
		AfterTurn: func(ctx context.Context, cc *engine.CallbackContext) {
			r.settle(ctx, log, in, pkg, cc)
		},
	})

	return &Reply{ConversationID: conv.ID, TurnID: turnID, Events: events}, nil
}

// CallTurn runs a voice utterance against the call's conversation.
func (r *Runner) CallTurn(ctx context.Context, s core.CallSession, utterance string) (<-chan core.StreamEvent, error) {
	reply, err := r.Handle(ctx, Inbound{
		TenantID:       s.TenantID,
		ChatbotID:      s.ChatbotID,
		EndUserID:      s.EndUserID,
		ConversationID: s.ConversationID,
		Channel:        core.ChannelVoice,
		Message:        utterance,
	})
	if err != nil {
		return nil, err
	}
	return reply.Events, nil
}

// Cancel stops a running turn.
func (r *Runner) Cancel(turnID string) error {
	return r.engine.StopTurn(turnID)
}

// CloseConversation moves a conversation to a terminal status and lets the
// escalation router react.
func (r *Runner) CloseConversation(ctx context.Context, id string, status core.ConversationStatus) (*core.Conversation, error) {
	conv, err := r.opts.Conversations.UpdateStatus(ctx, id, status)
	if err != nil {
		return nil, err
	}

	r.opts.Logger.Info("runner.conversation.closed", "conversation_id", id, "status", status)
	r.opts.Router.ObserveConversation(ctx, *conv)

	return conv, nil
}

// AbandonIdle abandons active conversations without activity for idle.
// Conversations with a running or queued turn are skipped.
func (r *Runner) AbandonIdle(ctx context.Context, idle time.Duration) (int, error) {
	convs, err := r.opts.Conversations.ListIdle(ctx, time.Now().Add(-idle))
	if err != nil {
		return 0, fmt.Errorf("list idle conversations: %w", err)
	}

	n := 0
	for _, c := range convs {
		if r.engine.Busy(c.ID) {
			continue
		}
		if _, err := r.CloseConversation(ctx, c.ID, core.ConversationAbandoned); err != nil {
			if errors.Is(err, core.ErrInvalidTransition) || errors.Is(err, core.ErrConversationClosed) {
				continue
			}
			return n, err
		}
		n++
	}

	return n, nil
}

// resolve returns the conversation addressed by in, creating one when the
// session has none or its conversation has ended.
func (r *Runner) resolve(ctx context.Context, in Inbound) (conv *core.Conversation, err error) {
	ctx, span := tracing.StartSpan(ctx, "runner.resolve",
		tracing.StringAttr("chatbot_id", in.ChatbotID),
	)
	defer func() { tracing.End(span, err) }()

	if in.ConversationID != "" {
		conv, err := r.opts.Conversations.GetConversation(ctx, in.ConversationID)
		if err != nil {
			return nil, err
		}
		if conv.TenantID != in.TenantID || conv.ChatbotID != in.ChatbotID {
			return nil, fmt.Errorf("conversation %s %w", in.ConversationID, core.ErrNotFound)
		}
		if conv.Status.IsTerminal() {
			return nil, fmt.Errorf("conversation %s: %w", conv.ID, core.ErrConversationClosed)
		}
		return conv, nil
	}

	r.resolveMu.Lock()
	defer r.resolveMu.Unlock()

	if in.SessionID != "" {
		if conv := r.bound(ctx, in); conv != nil {
			return conv, nil
		}
	}

	conv = &core.Conversation{
		TenantID:  in.TenantID,
		ChatbotID: in.ChatbotID,
		EndUserID: in.EndUserID,
		Channel:   in.Channel,
		SessionID: in.SessionID,
		Status:    core.ConversationActive,
	}
	if err := r.opts.Conversations.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	r.opts.Logger.Info("runner.conversation.created", "conversation_id", conv.ID, "channel", conv.Channel)

	if in.SessionID != "" {
		if err := r.opts.Cache.Set(ctx, sessionKey(in), []byte(conv.ID), r.opts.SessionTTL); err != nil {
			r.opts.Logger.Warn("runner.session.cache_failed", "error", err.Error())
		}
	}

	return conv, nil
}

// bound returns the active conversation of the session, if any. The cache
// is consulted first; the store is the source of truth.
func (r *Runner) bound(ctx context.Context, in Inbound) *core.Conversation {
	key := sessionKey(in)

	if id, ok, err := r.opts.Cache.Get(ctx, key); err == nil && ok {
		conv, err := r.opts.Conversations.GetConversation(ctx, string(id))
		if err == nil && !conv.Status.IsTerminal() {
			return conv
		}
	} else if err != nil {
		r.opts.Logger.Warn("runner.session.cache_failed", "error", err.Error())
	}

	conv, err := r.opts.Conversations.FindBySession(ctx, in.TenantID, in.ChatbotID, in.SessionID)
	if err != nil || conv.Status.IsTerminal() {
		return nil
	}

	if err := r.opts.Cache.Set(ctx, key, []byte(conv.ID), r.opts.SessionTTL); err != nil {
		r.opts.Logger.Warn("runner.session.cache_failed", "error", err.Error())
	}
	return conv
}

// challenge persists the message and the login prompt and answers with the
// pending step instead of running the engine.
func (r *Runner) challenge(ctx context.Context, conv *core.Conversation, in Inbound, ch *auth.Challenge) (*Reply, error) {
	hint := ch.Step.PromptHint
	if hint == "" {
		hint = defaultAuthHint
	}

	for _, m := range []*core.Message{
		core.NewMessage(conv.ID, core.RoleUser, core.MessageText, in.Message),
		core.NewMessage(conv.ID, core.RoleAssistant, core.MessageAuthPrompt, hint),
	} {
		if err := r.opts.Conversations.AppendMessage(ctx, m); err != nil {
			return nil, fmt.Errorf("persist auth prompt: %w", err)
		}
	}

	stream := core.NewStream(context.WithoutCancel(ctx), 1)
	if err := stream.Complete(core.CompleteMetadata{ConversationID: conv.ID, AuthStep: ch.Step}); err != nil {
		return nil, err
	}

	return &Reply{ConversationID: conv.ID, Challenge: ch, Events: stream.Events()}, nil
}

// history loads the text exchange of the conversation, oldest first.
func (r *Runner) history(ctx context.Context, conversationID string) ([]core.Content, error) {
	msgs, err := r.opts.Conversations.RecentMessages(ctx, conversationID, r.opts.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	out := make([]core.Content, 0, len(msgs))
	for _, m := range msgs {
		if m.Type != core.MessageText || m.Role == core.RoleSystem {
			continue
		}
		out = append(out, m.ModelContent())
	}
	return out, nil
}

// settle runs after the engine finished a turn and before its terminal
// event is emitted.
func (r *Runner) settle(ctx context.Context, log logging.Logger, in Inbound, pkg *core.PackageDefinition, cc *engine.CallbackContext) {
	if cc.Abandoned {
		log.Debug("runner.turn.abandoned", "turn_id", cc.TurnID)
		return
	}

	if cc.Err == nil && cc.Content != "" {
		msg := core.NewMessage(cc.ConversationID, core.RoleAssistant, core.MessageText, cc.Content)
		if err := r.opts.Conversations.AppendMessage(ctx, msg); err != nil {
			log.Warn("runner.persist.failed", "turn_id", cc.TurnID, "error", err.Error())
		}
	}

	var summary core.TurnSummary
	if cc.Summary != nil {
		summary = *cc.Summary
	}

	if e := r.opts.Router.Evaluate(ctx, escalation.Outcome{
		TenantID:       in.TenantID,
		ConversationID: cc.ConversationID,
		Package:        pkg,
		Message:        in.Message,
		Summary:        summary,
		Failed:         cc.Err != nil,
	}); e != nil {
		log.Info("runner.turn.escalated", "escalation_id", e.ID, "priority", e.Priority)
	}
}

func sessionKey(in Inbound) string {
	return cache.Key("session", in.TenantID, in.ChatbotID, in.SessionID)
}
