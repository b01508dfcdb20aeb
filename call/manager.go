package call

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hupe1980/supportmesh/core"
	"github.com/hupe1980/supportmesh/logging"
	"github.com/hupe1980/supportmesh/tracing"
)

// Defaults applied by NewManager.
const (
	DefaultQueueSize      = 8
	DefaultRetention      = 15 * time.Minute
	DefaultConnectTimeout = time.Minute
)

// ErrQueueFull is returned by Submit when a session has too many pending
// utterances.
var ErrQueueFull = errors.New("call turn queue is full")

// ErrSessionExists is returned by Start when the call id is already live.
var ErrSessionExists = errors.New("call session already exists")

// TurnFunc runs one utterance of a call and returns its event stream.
type TurnFunc func(ctx context.Context, s core.CallSession, utterance string) (<-chan core.StreamEvent, error)

// Start describes a new call.
type Start struct {
	// SessionID and CallID are generated when empty.
	SessionID string
	CallID    string
	// ConversationID binds the call. When empty and a conversation store
	// is configured a voice conversation is created.
	ConversationID string
	TenantID       string
	ChatbotID      string
	EndUserID      string
}

// Options configures a Manager.
type Options struct {
	Store core.CallStore
	// Conversations creates conversations for calls started without one.
	Conversations  core.ConversationStore
	QueueSize      int
	Retention      time.Duration
	ConnectTimeout time.Duration
	EventBuffer    int
	Logger         logging.Logger
	Now            func() time.Time
}

// Manager owns the live call sessions.
type Manager struct {
	turn TurnFunc
	opts Options

	mu       sync.RWMutex
	sessions map[string]*entry
}

type entry struct {
	mu          sync.Mutex
	session     core.CallSession
	closers     []io.Closer
	ending      bool
	summary     core.CallSummary
	finalizedAt time.Time

	work      chan *pending
	stop      chan struct{} // closed once ending
	idle      chan struct{} // closed when the worker exited
	finalized chan struct{} // closed after persistence and release
}

type pending struct {
	ctx       context.Context
	utterance string
	stream    *core.Stream
}

// NewManager creates a Manager running utterances through turn.
func NewManager(turn TurnFunc, optFns ...func(o *Options)) *Manager {
	opts := Options{
		QueueSize:      DefaultQueueSize,
		Retention:      DefaultRetention,
		ConnectTimeout: DefaultConnectTimeout,
		EventBuffer:    core.DefaultStreamBuffer,
		Logger:         logging.NoOpLogger{},
		Now:            time.Now,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}

	return &Manager{turn: turn, opts: opts, sessions: map[string]*entry{}}
}

// Start registers a connecting session. StartedAt is the handshake time.
func (m *Manager) Start(ctx context.Context, in Start) (*core.CallSession, error) {
	if in.SessionID == "" {
		in.SessionID = core.NewID()
	}
	if in.CallID == "" {
		in.CallID = core.NewSortableID()
	}

	if in.ConversationID == "" && m.opts.Conversations != nil {
		conv := &core.Conversation{
			TenantID:  in.TenantID,
			ChatbotID: in.ChatbotID,
			EndUserID: in.EndUserID,
			Channel:   core.ChannelVoice,
			SessionID: in.SessionID,
			Status:    core.ConversationActive,
		}
		if err := m.opts.Conversations.CreateConversation(ctx, conv); err != nil {
			return nil, fmt.Errorf("create call conversation: %w", err)
		}
		in.ConversationID = conv.ID
	}
	if in.ConversationID == "" {
		return nil, fmt.Errorf("call %s: conversation id is required", in.CallID)
	}

	e := &entry{
		session: core.CallSession{
			SessionID:      in.SessionID,
			CallID:         in.CallID,
			ConversationID: in.ConversationID,
			TenantID:       in.TenantID,
			ChatbotID:      in.ChatbotID,
			EndUserID:      in.EndUserID,
			Status:         core.CallConnecting,
			StartedAt:      m.opts.Now().UTC(),
		},
		work:      make(chan *pending, m.opts.QueueSize),
		stop:      make(chan struct{}),
		idle:      make(chan struct{}),
		finalized: make(chan struct{}),
	}

	m.mu.Lock()
	if _, exists := m.sessions[in.SessionID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, in.SessionID)
	}
	m.sessions[in.SessionID] = e
	m.mu.Unlock()

	go m.work(e)

	m.opts.Logger.Info("call.started", "session_id", in.SessionID, "call_id", in.CallID, "conversation_id", in.ConversationID)

	s := e.session
	return &s, nil
}

// Get returns a snapshot of a session.
func (m *Manager) Get(sessionID string) (core.CallSession, error) {
	e, err := m.lookup(sessionID)
	if err != nil {
		return core.CallSession{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session, nil
}

// Connected moves a session from connecting to in_progress.
func (m *Manager) Connected(sessionID string) error {
	e, err := m.lookup(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.ending:
		return core.ErrCallEnded
	case e.session.Status != core.CallConnecting:
		return fmt.Errorf("%w: %s -> %s", core.ErrInvalidTransition, e.session.Status, core.CallInProgress)
	}

	m.connect(e)
	return nil
}

// connect must be called with e.mu held.
func (m *Manager) connect(e *entry) {
	e.session.Status = core.CallInProgress
	e.session.ConnectedAt = m.opts.Now().UTC()
	m.opts.Logger.Info("call.connected", "session_id", e.session.SessionID)
}

// Attach registers a transport resource released on finalization. On an
// ended session the closer is released right away.
func (m *Manager) Attach(sessionID string, c io.Closer) error {
	e, err := m.lookup(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if !e.ending {
		e.closers = append(e.closers, c)
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	_ = c.Close()
	return core.ErrCallEnded
}

// Submit queues an utterance. Turns of one session run strictly one after
// another; the first utterance of a connecting session marks it connected.
func (m *Manager) Submit(ctx context.Context, sessionID, utterance string) (<-chan core.StreamEvent, error) {
	e, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ending {
		return nil, core.ErrCallEnded
	}

	p := &pending{ctx: ctx, utterance: utterance, stream: core.NewStream(ctx, m.opts.EventBuffer)}
	select {
	case e.work <- p:
	default:
		return nil, ErrQueueFull
	}

	if e.session.Status == core.CallConnecting {
		m.connect(e)
	}

	return p.stream.Events(), nil
}

// EndCall completes the call. It is idempotent: later calls return the
// summary fixed by the first one. It returns once the in-flight turn has
// settled and the record is persisted, or when ctx is done.
func (m *Manager) EndCall(ctx context.Context, sessionID, reason string) (core.CallSummary, error) {
	return m.end(ctx, sessionID, core.CallCompleted, reason)
}

// Fail ends the call with status failed or no_answer.
func (m *Manager) Fail(ctx context.Context, sessionID string, status core.CallStatus, reason string) (core.CallSummary, error) {
	if status != core.CallFailed && status != core.CallNoAnswer {
		return core.CallSummary{}, fmt.Errorf("%w: cannot fail a call with status %s", core.ErrInvalidTransition, status)
	}
	return m.end(ctx, sessionID, status, reason)
}

func (m *Manager) end(ctx context.Context, sessionID string, status core.CallStatus, reason string) (core.CallSummary, error) {
	e, err := m.lookup(sessionID)
	if err != nil {
		return core.CallSummary{}, err
	}

	e.mu.Lock()
	if e.ending {
		summary := e.summary
		e.mu.Unlock()
		return summary, nil
	}

	now := m.opts.Now().UTC()
	duration := int64(now.Sub(e.session.StartedAt) / time.Second)
	if duration < 0 {
		duration = 0
	}

	e.ending = true
	e.session.Status = status
	e.summary = core.CallSummary{
		CallID:          e.session.CallID,
		DurationSeconds: duration,
		Status:          status,
		EndedAt:         now,
		EndReason:       reason,
	}
	summary := e.summary
	close(e.stop)
	e.mu.Unlock()

	m.opts.Logger.Info("call.ending", "session_id", sessionID, "status", status, "reason", reason)

	go m.finalize(context.WithoutCancel(ctx), e)

	select {
	case <-e.finalized:
	case <-ctx.Done():
	}

	return summary, nil
}

// finalize waits for the worker, then persists and releases the session.
func (m *Manager) finalize(ctx context.Context, e *entry) {
	<-e.idle

	e.mu.Lock()
	s := e.session
	summary := e.summary
	closers := e.closers
	e.closers = nil
	e.mu.Unlock()

	ctx, span := tracing.StartSpan(ctx, "call.end",
		tracing.StringAttr("call_id", s.CallID),
		tracing.StringAttr("status", string(summary.Status)),
	)

	err := m.opts.Store.SaveCall(ctx, core.CallRecord{
		CallID:          s.CallID,
		SessionID:       s.SessionID,
		ConversationID:  s.ConversationID,
		TenantID:        s.TenantID,
		Status:          summary.Status,
		StartedAt:       s.StartedAt,
		EndedAt:         summary.EndedAt,
		DurationSeconds: summary.DurationSeconds,
		EndReason:       summary.EndReason,
	})
	if err != nil {
		m.opts.Logger.Error("call.persist.failed", "call_id", s.CallID, "error", err.Error())
	}
	tracing.End(span, err)

	for _, c := range closers {
		if cerr := c.Close(); cerr != nil {
			m.opts.Logger.Warn("call.release.failed", "call_id", s.CallID, "error", cerr.Error())
		}
	}

	e.mu.Lock()
	e.finalizedAt = m.opts.Now()
	e.mu.Unlock()
	close(e.finalized)

	m.opts.Logger.Info("call.finalized", "call_id", s.CallID, "duration_seconds", summary.DurationSeconds)
}

// Sweep evicts finalized sessions past the retention window and fails
// sessions stuck connecting past the connect timeout with no_answer.
func (m *Manager) Sweep(ctx context.Context, now time.Time) (evicted, timedOut int) {
	m.mu.RLock()
	entries := make(map[string]*entry, len(m.sessions))
	for id, e := range m.sessions {
		entries[id] = e
	}
	m.mu.RUnlock()

	for id, e := range entries {
		e.mu.Lock()
		status, ending, finalizedAt, started := e.session.Status, e.ending, e.finalizedAt, e.session.StartedAt
		e.mu.Unlock()

		switch {
		case ending && !finalizedAt.IsZero() && now.Sub(finalizedAt) > m.opts.Retention:
			m.mu.Lock()
			delete(m.sessions, id)
			m.mu.Unlock()
			evicted++
		case !ending && status == core.CallConnecting && m.opts.ConnectTimeout > 0 && now.Sub(started) > m.opts.ConnectTimeout:
			if _, err := m.Fail(ctx, id, core.CallNoAnswer, "connect timeout"); err == nil {
				timedOut++
			}
		}
	}

	if evicted > 0 || timedOut > 0 {
		m.opts.Logger.Info("call.swept", "evicted", evicted, "timed_out", timedOut)
	}
	return evicted, timedOut
}

// Len returns the number of sessions in the arena.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) lookup(sessionID string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrCallNotFound, sessionID)
	}
	return e, nil
}

// work runs the session's turns in submission order until the call ends,
// then fails whatever is still queued.
func (m *Manager) work(e *entry) {
	defer close(e.idle)

	for {
		select {
		case p := <-e.work:
			if e.isEnding() {
				p.fail()
				continue
			}
			m.run(e, p)
		case <-e.stop:
			for {
				select {
				case p := <-e.work:
					p.fail()
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) run(e *entry, p *pending) {
	defer p.stream.Close()

	if p.ctx.Err() != nil {
		return
	}

	e.mu.Lock()
	s := e.session
	e.mu.Unlock()

	events, err := m.turn(p.ctx, s, p.utterance)
	if err != nil {
		m.opts.Logger.Warn("call.turn.rejected", "session_id", s.SessionID, "error", err.Error())
		_ = p.stream.Fail(core.ErrorCode(err), "the utterance could not be processed")
		return
	}

	// Drain until the turn closes its channel even when the caller left.
	for ev := range events {
		_ = p.stream.Emit(ev)
	}
}

func (e *entry) isEnding() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ending
}

func (p *pending) fail() {
	_ = p.stream.Fail(core.CodeCallEnded, "the call has ended")
	p.stream.Close()
}
