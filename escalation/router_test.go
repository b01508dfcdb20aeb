package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/supportmesh/core"
	"github.com/hupe1980/supportmesh/internal/testutil"
)

type recordingNotifier struct {
	mu   sync.Mutex
	seen []core.Escalation
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, e core.Escalation) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seen = append(n.seen, e)
	return n.err
}

type failingStore struct{ *MemoryStore }

func (failingStore) OpenEscalation(context.Context, string) (*core.Escalation, error) {
	return nil, errors.New("database is down")
}

func newRouter(t *testing.T, optFns ...func(o *Options)) (*Router, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	var tick int
	fns := append([]func(o *Options){func(o *Options) {
		o.Now = func() time.Time {
			tick++
			return base.Add(time.Duration(tick) * time.Second)
		}
	}}, optFns...)
	return NewRouter(store, fns...), store
}

// -------------------- Trigger Tests --------------------

func TestEvaluate_NoTrigger(t *testing.T) {
	r, _ := newRouter(t)
	assert.Nil(t, r.Evaluate(context.Background(), Outcome{ConversationID: "c1", Message: "What are your hours?"}))
}

func TestEvaluate_Triggers(t *testing.T) {
	pkg := testutil.NewPackageBuilder("desk").Worker("support").AlwaysEscalate("refund_payment").Build()

	tests := []struct {
		name     string
		out      Outcome
		trigger  core.TriggerType
		priority core.Priority
	}{
		{"explicit request", Outcome{Message: "I want to talk to a real person"}, core.TriggerExplicitRequest, core.PriorityMedium},
		{"emergency", Outcome{Message: "This is an emergency"}, core.TriggerAbuseOrEmergency, core.PriorityUrgent},
		{"tool request", Outcome{Summary: core.TurnSummary{EscalationRequests: []string{"customer is upset"}}}, core.TriggerToolRequest, core.PriorityMedium},
		{"always escalate", Outcome{Package: pkg, Summary: core.TurnSummary{ToolsUsed: []string{"refund_payment"}}}, core.TriggerAlwaysEscalate, core.PriorityMedium},
		{"most severe wins", Outcome{Message: "get me a human, this is fraud"}, core.TriggerAbuseOrEmergency, core.PriorityUrgent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newRouter(t)
			tt.out.TenantID, tt.out.ConversationID = "acme", "c1"

			e := r.Evaluate(context.Background(), tt.out)
			require.NotNil(t, e)
			assert.Equal(t, tt.trigger, e.Trigger)
			assert.Equal(t, tt.priority, e.Priority)
			assert.Equal(t, core.EscalationPending, e.Status)
			assert.Nil(t, e.AssignedUserID)
		})
	}
}

func TestEvaluate_RepeatedFailures(t *testing.T) {
	r, _ := newRouter(t, func(o *Options) { o.FailureThreshold = 2 })
	ctx := context.Background()

	assert.Nil(t, r.Evaluate(ctx, Outcome{ConversationID: "c1", Failed: true}))
	assert.Nil(t, r.Evaluate(ctx, Outcome{ConversationID: "c1"}), "success resets the streak")
	assert.Nil(t, r.Evaluate(ctx, Outcome{ConversationID: "c1", Summary: core.TurnSummary{ToolFailures: 1}}))

	e := r.Evaluate(ctx, Outcome{ConversationID: "c1", Failed: true})
	require.NotNil(t, e)
	assert.Equal(t, core.TriggerRepeatedFailure, e.Trigger)
	assert.Equal(t, core.PriorityHigh, e.Priority)
}

func TestEvaluate_RaisesInsteadOfDuplicating(t *testing.T) {
	notifier := &recordingNotifier{}
	r, store := newRouter(t, func(o *Options) { o.Notifier = notifier })
	ctx := context.Background()

	first := r.Evaluate(ctx, Outcome{TenantID: "acme", ConversationID: "c1", Message: "human please"})
	require.NotNil(t, first)
	assert.Empty(t, notifier.seen, "medium escalations are not pushed")

	again := r.Evaluate(ctx, Outcome{TenantID: "acme", ConversationID: "c1", Message: "operator!"})
	assert.Equal(t, first.ID, again.ID)

	raised := r.Evaluate(ctx, Outcome{TenantID: "acme", ConversationID: "c1", Message: "this is abuse"})
	assert.Equal(t, first.ID, raised.ID)
	assert.Equal(t, core.PriorityUrgent, raised.Priority)

	all, err := store.ListEscalations(ctx, core.EscalationQuery{View: core.ViewAll})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	r.Wait()
	require.Len(t, notifier.seen, 1)
	assert.Equal(t, core.PriorityUrgent, notifier.seen[0].Priority)
}

func TestEvaluate_StoreFailureIsSwallowed(t *testing.T) {
	r := NewRouter(failingStore{NewMemoryStore()})
	assert.Nil(t, r.Evaluate(context.Background(), Outcome{ConversationID: "c1", Message: "emergency"}))
}

func TestEvaluate_NotifierFailureIsSwallowed(t *testing.T) {
	notifier := &recordingNotifier{err: errors.New("slack down")}
	r, _ := newRouter(t, func(o *Options) { o.Notifier = notifier })
	assert.NotNil(t, r.Evaluate(context.Background(), Outcome{ConversationID: "c1", Message: "emergency"}))

	r.Wait()
	assert.Len(t, notifier.seen, 1)
}

// stuckNotifier blocks until its context ends.
type stuckNotifier struct{ calls atomic.Int32 }

func (n *stuckNotifier) Notify(ctx context.Context, _ core.Escalation) error {
	n.calls.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func TestEvaluate_SlowNotifierDoesNotBlock(t *testing.T) {
	notifier := &stuckNotifier{}
	r := NewRouter(NewMemoryStore(), func(o *Options) {
		o.Notifier = notifier
		o.NotifyTimeout = 100 * time.Millisecond
	})
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NotNil(t, r.Evaluate(ctx, Outcome{TenantID: "acme", ConversationID: "c1", Message: "this is an emergency"}))
		assert.NotNil(t, r.Evaluate(ctx, Outcome{TenantID: "acme", ConversationID: "c2", Message: "abuse"}))
		assert.NotNil(t, r.Evaluate(ctx, Outcome{TenantID: "acme", ConversationID: "c1", Message: "emergency again"}))
	}()

	select {
	case <-done:
	case <-time.After(50 * time.Millisecond):
		t.Fatal("evaluate waited for the notifier")
	}

	waited := make(chan struct{})
	go func() {
		r.Wait()
		close(waited)
	}()

	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("notifications were not bounded by the notify timeout")
	}
	assert.Equal(t, int32(2), notifier.calls.Load())
}

func TestRaise_ConcurrentRaisesKeepOneEscalation(t *testing.T) {
	r, store := newRouter(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			priority := core.PriorityMedium
			if i%2 == 0 {
				priority = core.PriorityHigh
			}
			_, err := r.Raise(ctx, "acme", "c1", core.TriggerExplicitRequest, priority, "asked for a human")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	all, err := store.ListEscalations(ctx, core.EscalationQuery{View: core.ViewAll})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, core.PriorityHigh, all[0].Priority)
	assert.Empty(t, r.raising.locks)
}

// -------------------- Lifecycle Tests --------------------

func TestTransitions(t *testing.T) {
	r, _ := newRouter(t)
	ctx := context.Background()

	e := r.Evaluate(ctx, Outcome{ConversationID: "c1", Message: "human"})
	require.NotNil(t, e)

	_, err := r.Start(ctx, e.ID)
	assert.ErrorIs(t, err, core.ErrInvalidTransition)

	e, err = r.Assign(ctx, e.ID, "agent-7")
	require.NoError(t, err)
	assert.Equal(t, core.EscalationAssigned, e.Status)
	assert.Equal(t, "agent-7", *e.AssignedUserID)

	e, err = r.Start(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, core.EscalationInProgress, e.Status)

	e, err = r.Resolve(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, core.EscalationResolved, e.Status)
	require.NotNil(t, e.ResolvedAt)

	_, err = r.Resolve(ctx, e.ID)
	assert.ErrorIs(t, err, core.ErrInvalidTransition)

	_, err = r.Assign(ctx, "missing", "agent-7")
	assert.ErrorIs(t, err, core.ErrEscalationNotFound)
}

func TestObserveConversation(t *testing.T) {
	r, store := newRouter(t)
	ctx := context.Background()

	a := r.Evaluate(ctx, Outcome{ConversationID: "c1", Message: "human"})
	b := r.Evaluate(ctx, Outcome{ConversationID: "c2", Message: "human"})

	r.ObserveConversation(ctx, core.Conversation{ID: "c1", Status: core.ConversationResolved})
	r.ObserveConversation(ctx, core.Conversation{ID: "c2", Status: core.ConversationAbandoned})

	got, _ := store.GetEscalation(ctx, a.ID)
	assert.Equal(t, core.EscalationResolved, got.Status)
	got, _ = store.GetEscalation(ctx, b.ID)
	assert.Equal(t, core.EscalationPending, got.Status)
}

// -------------------- Query Tests --------------------

func TestQuery_Views(t *testing.T) {
	r, _ := newRouter(t)
	ctx := context.Background()

	mine := r.Evaluate(ctx, Outcome{ConversationID: "c1", Message: "human"})
	queued := r.Evaluate(ctx, Outcome{ConversationID: "c2", Message: "emergency"})
	_, err := r.Assign(ctx, mine.ID, "agent-7")
	require.NoError(t, err)

	got, err := r.Query(ctx, core.EscalationQuery{View: core.ViewMine, UserID: "agent-7"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, mine.ID, got[0].ID)

	got, err = r.Query(ctx, core.EscalationQuery{View: core.ViewQueue})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, queued.ID, got[0].ID)

	got, err = r.Query(ctx, core.EscalationQuery{View: core.ViewAll, Statuses: []core.EscalationStatus{core.EscalationAssigned}})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	_, err = r.Query(ctx, core.EscalationQuery{View: core.ViewMine})
	assert.Error(t, err)
}

func TestQuery_UrgentBeforeOlderHigh(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	t1 := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)

	require.NoError(t, store.CreateEscalation(ctx, &core.Escalation{ID: "high", ConversationID: "c1", Status: core.EscalationPending, Priority: core.PriorityHigh, CreatedAt: t1}))
	require.NoError(t, store.CreateEscalation(ctx, &core.Escalation{ID: "urgent", ConversationID: "c2", Status: core.EscalationPending, Priority: core.PriorityUrgent, CreatedAt: t2}))

	got, err := NewRouter(store).Query(ctx, core.EscalationQuery{View: core.ViewQueue})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "urgent", got[0].ID)
	assert.Equal(t, "high", got[1].ID)
}

func TestQuery_OrderingProperty(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	priorities := []core.Priority{core.PriorityLow, core.PriorityMedium, core.PriorityHigh, core.PriorityUrgent}
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	properties.Property("listing is priority desc, then oldest first", prop.ForAll(
		func(prios []int, ages []int) bool {
			store := NewMemoryStore()
			ctx := context.Background()
			for i, p := range prios {
				age := 0
				if i < len(ages) {
					age = ages[i]
				}
				_ = store.CreateEscalation(ctx, &core.Escalation{
					ID:             fmt.Sprintf("e%03d", i),
					ConversationID: fmt.Sprintf("c%d", i),
					Status:         core.EscalationPending,
					Priority:       priorities[p],
					CreatedAt:      base.Add(time.Duration(age) * time.Minute),
				})
			}

			got, err := NewRouter(store).Query(ctx, core.EscalationQuery{View: core.ViewAll})
			if err != nil || len(got) != len(prios) {
				return false
			}
			for i := 1; i < len(got); i++ {
				a, b := got[i-1], got[i]
				if a.Priority.Rank() < b.Priority.Rank() {
					return false
				}
				if a.Priority == b.Priority && a.CreatedAt.After(b.CreatedAt) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 3)),
		gen.SliceOf(gen.IntRange(0, 60)),
	))

	properties.TestingRun(t)
}

// -------------------- Slack Tests --------------------

func TestSlackNotifier(t *testing.T) {
	var (
		mu   sync.Mutex
		text string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		mu.Lock()
		text = r.FormValue("text")
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "channel": "C123", "ts": "1.0"})
	}))
	defer srv.Close()

	n := NewSlackNotifier("xoxb-test", "C123", slack.OptionAPIURL(srv.URL+"/"))
	err := n.Notify(context.Background(), core.Escalation{
		ID: "e1", ConversationID: "c1", Priority: core.PriorityUrgent, Trigger: core.TriggerAbuseOrEmergency, Reason: "message mentions emergency",
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "[urgent] escalation e1 for conversation c1 (abuse_or_emergency): message mentions emergency", text)
}
