package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/supportmesh/agent"
	"github.com/hupe1980/supportmesh/auth"
	"github.com/hupe1980/supportmesh/call"
	"github.com/hupe1980/supportmesh/core"
	"github.com/hupe1980/supportmesh/engine"
	"github.com/hupe1980/supportmesh/internal/testutil"
	"github.com/hupe1980/supportmesh/logging"
	"github.com/hupe1980/supportmesh/model"
	"github.com/hupe1980/supportmesh/runner"
	"github.com/hupe1980/supportmesh/session"
	"github.com/hupe1980/supportmesh/tool"
)

// -------------------- Scheduler Tests --------------------

func TestScheduler_Add(t *testing.T) {
	s := New()
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.Add(Job{Name: "a", Schedule: "*/5 * * * *", Run: noop}))
	require.NoError(t, s.Add(Job{Name: "b", Schedule: "@every 30s", Run: noop}))
	require.NoError(t, s.Add(Job{Name: "off", Run: noop}))

	assert.Error(t, s.Add(Job{Name: "a", Schedule: "@hourly", Run: noop}))
	assert.Error(t, s.Add(Job{Name: "bad", Schedule: "every now and then", Run: noop}))
	assert.Error(t, s.Add(Job{Schedule: "@hourly", Run: noop}))

	// A rejected schedule does not leave the job registered.
	assert.ErrorIs(t, s.RunNow(context.Background(), "bad"), ErrUnknownJob)
}

func TestScheduler_RunNow(t *testing.T) {
	s := New(func(o *Options) { o.JobTimeout = time.Second })
	boom := errors.New("boom")

	var deadline bool
	require.NoError(t, s.Add(Job{Name: "ok", Run: func(ctx context.Context) error {
		_, deadline = ctx.Deadline()
		return nil
	}}))
	require.NoError(t, s.Add(Job{Name: "fail", Run: func(context.Context) error { return boom }}))

	require.NoError(t, s.RunNow(context.Background(), "ok"))
	assert.True(t, deadline)
	assert.ErrorIs(t, s.RunNow(context.Background(), "fail"), boom)
	assert.ErrorIs(t, s.RunNow(context.Background(), "missing"), ErrUnknownJob)
}

func TestScheduler_TicksUntilStopped(t *testing.T) {
	s := New(func(o *Options) { o.Logger = logging.NoOpLogger{} })

	var runs atomic.Int32
	require.NoError(t, s.Add(Job{Name: "tick", Schedule: "@every 1s", Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}))

	s.Start(context.Background())
	s.Start(context.Background())

	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))

	after := runs.Load()
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, after, runs.Load())
}

// -------------------- Job Tests --------------------

func TestCallSweep(t *testing.T) {
	turn := func(context.Context, core.CallSession, string) (<-chan core.StreamEvent, error) {
		ch := make(chan core.StreamEvent)
		close(ch)
		return ch, nil
	}
	calls := call.NewManager(turn, func(o *call.Options) {
		o.ConnectTimeout = time.Millisecond
		o.Retention = time.Millisecond
	})

	_, err := calls.Start(context.Background(), call.Start{ConversationID: "conv-1", TenantID: "acme"})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	s := New()
	require.NoError(t, s.Add(CallSweep("", calls, logging.NoOpLogger{})))

	// The first pass fails the unanswered call, the second evicts it.
	require.NoError(t, s.RunNow(context.Background(), JobCallSweep))
	assert.Equal(t, 1, calls.Len())

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.RunNow(context.Background(), JobCallSweep))
	assert.Zero(t, calls.Len())
}

func TestAuthPurge(t *testing.T) {
	store := auth.NewMemoryStore()
	pkg := testutil.NewPackageBuilder("secure").
		Worker("support").
		Auth(&core.AuthSpec{Required: true, SessionTTL: time.Hour, Steps: testutil.EmailLoginSteps()}).
		Build()

	past := auth.NewGate(store, func(o *auth.Options) {
		o.Now = func() time.Time { return time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC) }
	})
	for _, in := range []auth.Input{
		{StepID: "email", Values: map[string]string{"email": "jane@example.com"}},
		{StepID: "otp", Values: map[string]string{"code": "123456"}},
	} {
		in.Package, in.ChatbotID, in.EndUserID = pkg, "bot-1", "u-1"
		res, err := past.ProcessAuthInput(context.Background(), in)
		require.NoError(t, err)
		require.True(t, res.Success, res.Error)
	}

	gate := auth.NewGate(store)
	s := New()
	require.NoError(t, s.Add(AuthPurge("@every 10m", gate, logging.NoOpLogger{})))
	require.NoError(t, s.RunNow(context.Background(), JobAuthPurge))

	st, err := store.GetAuthState(context.Background(), core.AuthKey{ChatbotID: "bot-1", EndUserID: "u-1"})
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestIdleAbandon(t *testing.T) {
	store := session.NewInMemoryStore()
	r := runner.New(
		engine.New(agent.NewBinder(model.NewRegistry(), tool.NewRegistry())),
		runner.NewCatalog(),
		func(o *runner.Options) { o.Conversations = store },
	)

	conv := &core.Conversation{TenantID: "acme", ChatbotID: "bot-1", SessionID: "s-1", Channel: core.ChannelWidget, Status: core.ConversationActive}
	require.NoError(t, store.CreateConversation(context.Background(), conv))

	s := New()
	require.NoError(t, s.Add(IdleAbandon("@every 5m", r, -time.Second, logging.NoOpLogger{})))
	require.NoError(t, s.RunNow(context.Background(), JobIdleAbandon))

	got, err := store.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ConversationAbandoned, got.Status)
}
