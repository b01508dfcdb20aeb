package escalation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hupe1980/supportmesh/core"
	"github.com/hupe1980/supportmesh/dispatch"
	"github.com/hupe1980/supportmesh/logging"
)

// Default trigger keywords.
var (
	DefaultRequestKeywords = []string{"human", "real person", "representative", "speak to someone", "talk to someone", "live agent", "operator"}
	DefaultUrgentKeywords  = []string{"emergency", "abuse", "abusive", "harassment", "threat", "threatening", "suicide", "self harm", "fraud"}
)

// Outcome is a settled turn as seen by the router.
type Outcome struct {
	TenantID       string
	ConversationID string
	Package        *core.PackageDefinition
	// Message is the end user's inbound text.
	Message string
	Summary core.TurnSummary
	// Failed is set when the turn ended with an error event.
	Failed bool
}

// Options configures a Router.
type Options struct {
	// FailureThreshold is the number of consecutive failed turns that
	// escalates with high priority. Zero disables the trigger.
	FailureThreshold int
	RequestKeywords  []string
	UrgentKeywords   []string
	Notifier         Notifier
	// NotifyTimeout bounds one notifier delivery. Deliveries run in the
	// background and never hold up a turn.
	NotifyTimeout time.Duration
	Logger        logging.Logger
	Now           func() time.Time
}

// DefaultNotifyTimeout is the delivery bound used when none is configured.
const DefaultNotifyTimeout = 10 * time.Second

// Router detects escalation triggers and manages the escalation lifecycle.
type Router struct {
	store core.EscalationStore
	opts  Options

	mu       sync.Mutex
	failures map[string]int // consecutive failed turns per conversation

	raising *conversationLocks
	pending sync.WaitGroup
}

// NewRouter creates a Router over store.
func NewRouter(store core.EscalationStore, optFns ...func(o *Options)) *Router {
	opts := Options{
		FailureThreshold: 3,
		RequestKeywords:  DefaultRequestKeywords,
		UrgentKeywords:   DefaultUrgentKeywords,
		NotifyTimeout:    DefaultNotifyTimeout,
		Logger:           logging.NoOpLogger{},
		Now:              time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = DefaultNotifyTimeout
	}
	return &Router{store: store, opts: opts, failures: map[string]int{}, raising: newConversationLocks()}
}

type trigger struct {
	kind     core.TriggerType
	priority core.Priority
	reason   string
}

// Evaluate inspects a settled turn and creates or raises the conversation's
// escalation. It returns the resulting escalation, or nil when no trigger
// fired or the store failed; store failures are logged only.
func (r *Router) Evaluate(ctx context.Context, out Outcome) *core.Escalation {
	log := logging.With(r.opts.Logger, "conversation_id", out.ConversationID)

	t, ok := r.detect(out)
	if !ok {
		return nil
	}

	e, err := r.Raise(ctx, out.TenantID, out.ConversationID, t.kind, t.priority, t.reason)
	if err != nil {
		log.Warn("escalation.raise.failed", "trigger", t.kind, "error", err.Error())
		return nil
	}
	return e
}

// detect returns the most severe trigger of the turn.
func (r *Router) detect(out Outcome) (trigger, bool) {
	var found []trigger

	if kw, ok := dispatch.FirstPhrase(out.Message, r.opts.UrgentKeywords); ok {
		found = append(found, trigger{core.TriggerAbuseOrEmergency, core.PriorityUrgent, "message mentions " + kw})
	}

	if n := r.countFailure(out); r.opts.FailureThreshold > 0 && n >= r.opts.FailureThreshold {
		found = append(found, trigger{core.TriggerRepeatedFailure, core.PriorityHigh, fmt.Sprintf("%d consecutive failed turns", n)})
	}

	if kw, ok := dispatch.FirstPhrase(out.Message, r.opts.RequestKeywords); ok {
		found = append(found, trigger{core.TriggerExplicitRequest, core.PriorityMedium, "customer asked for a " + kw})
	}

	if len(out.Summary.EscalationRequests) > 0 {
		found = append(found, trigger{core.TriggerToolRequest, core.PriorityMedium, out.Summary.EscalationRequests[0]})
	}

	if out.Package != nil {
		for _, name := range out.Summary.ToolsUsed {
			if slices.Contains(out.Package.AlwaysEscalate, name) {
				found = append(found, trigger{core.TriggerAlwaysEscalate, core.PriorityMedium, name + " always escalates"})
				break
			}
		}
	}

	if len(found) == 0 {
		return trigger{}, false
	}

	best := found[0]
	for _, t := range found[1:] {
		if t.priority.Rank() > best.priority.Rank() {
			best = t
		}
	}
	return best, true
}

// countFailure updates and returns the conversation's failure streak.
func (r *Router) countFailure(out Outcome) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if out.Failed || out.Summary.ToolFailures > 0 {
		r.failures[out.ConversationID]++
	} else {
		delete(r.failures, out.ConversationID)
	}
	return r.failures[out.ConversationID]
}

// Raise creates a pending escalation or raises the priority of the open one.
// Raises of one conversation are serialized; notifications are delivered
// asynchronously.
func (r *Router) Raise(ctx context.Context, tenantID, conversationID string, kind core.TriggerType, priority core.Priority, reason string) (*core.Escalation, error) {
	unlock := r.raising.lock(conversationID)
	defer unlock()

	log := logging.With(r.opts.Logger, "conversation_id", conversationID)
	now := r.opts.Now().UTC()

	open, err := r.store.OpenEscalation(ctx, conversationID)
	switch {
	case err == nil:
		if priority.Rank() <= open.Priority.Rank() {
			return open, nil
		}
		raised, err := r.store.UpdateEscalation(ctx, open.ID, func(e *core.Escalation) error {
			e.Priority, e.Trigger, e.Reason, e.UpdatedAt = priority, kind, reason, now
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("raise escalation: %w", err)
		}
		log.Info("escalation.raised", "escalation_id", raised.ID, "priority", priority, "trigger", kind)
		r.notify(*raised)
		return raised, nil

	case errors.Is(err, core.ErrNotFound):
		e := &core.Escalation{
			ID:             core.NewSortableIDAt(now),
			TenantID:       tenantID,
			ConversationID: conversationID,
			Status:         core.EscalationPending,
			Priority:       priority,
			Trigger:        kind,
			Reason:         reason,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := r.store.CreateEscalation(ctx, e); err != nil {
			return nil, fmt.Errorf("create escalation: %w", err)
		}
		log.Info("escalation.created", "escalation_id", e.ID, "priority", priority, "trigger", kind)
		r.notify(*e)
		return e, nil

	default:
		return nil, fmt.Errorf("lookup open escalation: %w", err)
	}
}

func (r *Router) notify(e core.Escalation) {
	if r.opts.Notifier == nil || e.Priority.Rank() < core.PriorityHigh.Rank() {
		return
	}

	r.pending.Add(1)
	go func() {
		defer r.pending.Done()

		ctx, cancel := context.WithTimeout(context.Background(), r.opts.NotifyTimeout)
		defer cancel()

		if err := r.opts.Notifier.Notify(ctx, e); err != nil {
			r.opts.Logger.Warn("escalation.notify.failed", "escalation_id", e.ID, "error", err.Error())
		}
	}()
}

// Wait blocks until notifications in flight are delivered or have timed out.
func (r *Router) Wait() { r.pending.Wait() }

// ObserveConversation reacts to conversation status changes: a resolved
// conversation resolves its open escalation. Abandoned conversations keep
// theirs open for follow up.
func (r *Router) ObserveConversation(ctx context.Context, c core.Conversation) {
	if !c.Status.IsTerminal() {
		return
	}

	r.mu.Lock()
	delete(r.failures, c.ID)
	r.mu.Unlock()

	if c.Status != core.ConversationResolved {
		return
	}

	open, err := r.store.OpenEscalation(ctx, c.ID)
	if err != nil {
		if !errors.Is(err, core.ErrNotFound) {
			r.opts.Logger.Warn("escalation.lookup.failed", "conversation_id", c.ID, "error", err.Error())
		}
		return
	}
	if _, err := r.Resolve(ctx, open.ID); err != nil {
		r.opts.Logger.Warn("escalation.resolve.failed", "escalation_id", open.ID, "error", err.Error())
	}
}

// Query lists escalations in pickup order.
func (r *Router) Query(ctx context.Context, q core.EscalationQuery) ([]core.Escalation, error) {
	if q.View == core.ViewMine && q.UserID == "" {
		return nil, fmt.Errorf("view %q requires a user id", q.View)
	}
	return r.store.ListEscalations(ctx, q)
}

// Get returns one escalation.
func (r *Router) Get(ctx context.Context, id string) (*core.Escalation, error) {
	return r.store.GetEscalation(ctx, id)
}

// Assign hands a pending (or reassigns an assigned) escalation to userID.
func (r *Router) Assign(ctx context.Context, id, userID string) (*core.Escalation, error) {
	if userID == "" {
		return nil, errors.New("assign requires a user id")
	}
	return r.transition(ctx, id, core.EscalationAssigned, func(e *core.Escalation) {
		e.AssignedUserID = &userID
	})
}

// Start marks an assigned escalation as being worked on.
func (r *Router) Start(ctx context.Context, id string) (*core.Escalation, error) {
	return r.transition(ctx, id, core.EscalationInProgress, nil)
}

// Resolve closes an open escalation.
func (r *Router) Resolve(ctx context.Context, id string) (*core.Escalation, error) {
	return r.transition(ctx, id, core.EscalationResolved, func(e *core.Escalation) {
		at := e.UpdatedAt
		e.ResolvedAt = &at
	})
}

func (r *Router) transition(ctx context.Context, id string, next core.EscalationStatus, apply func(*core.Escalation)) (*core.Escalation, error) {
	e, err := r.store.UpdateEscalation(ctx, id, func(e *core.Escalation) error {
		if !e.Status.CanTransition(next) {
			return fmt.Errorf("%w: %s -> %s", core.ErrInvalidTransition, e.Status, next)
		}
		e.Status = next
		e.UpdatedAt = r.opts.Now().UTC()
		if apply != nil {
			apply(e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.opts.Logger.Info("escalation.transition", "escalation_id", id, "status", next)
	return e, nil
}

// conversationLocks hands out one mutex per conversation id and drops it
// once no caller holds or waits for it.
type conversationLocks struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newConversationLocks() *conversationLocks {
	return &conversationLocks{locks: map[string]*refMutex{}}
}

func (l *conversationLocks) lock(id string) (unlock func()) {
	l.mu.Lock()
	m, ok := l.locks[id]
	if !ok {
		m = &refMutex{}
		l.locks[id] = m
	}
	m.refs++
	l.mu.Unlock()

	m.Lock()

	return func() {
		m.Unlock()

		l.mu.Lock()
		if m.refs--; m.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
