package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/supportmesh/agent"
	"github.com/hupe1980/supportmesh/auth"
	"github.com/hupe1980/supportmesh/core"
	"github.com/hupe1980/supportmesh/engine"
	"github.com/hupe1980/supportmesh/escalation"
	"github.com/hupe1980/supportmesh/internal/testutil"
	"github.com/hupe1980/supportmesh/model"
	"github.com/hupe1980/supportmesh/session"
	"github.com/hupe1980/supportmesh/tool"
)

type fixture struct {
	llm    *model.ScriptedModel
	store  *session.InMemoryStore
	runner *Runner
}

func newFixture(t *testing.T, pkg *core.PackageDefinition, llm *model.ScriptedModel) *fixture {
	t.Helper()

	models := model.NewRegistry()
	models.Register("mock", llm)
	tools := tool.NewRegistry(tool.NewRequestHumanTool())

	catalog := NewCatalog(pkg)
	require.NoError(t, catalog.Deploy("acme", "bot-1", pkg.ID))

	store := session.NewInMemoryStore()
	r := New(engine.New(agent.NewBinder(models, tools)), catalog, func(o *Options) {
		o.Conversations = store
	})

	return &fixture{llm: llm, store: store, runner: r}
}

func (f *fixture) send(t *testing.T, sessionID, message string) (*Reply, []core.StreamEvent) {
	t.Helper()

	reply, err := f.runner.Handle(context.Background(), Inbound{
		TenantID:  "acme",
		ChatbotID: "bot-1",
		EndUserID: "user-1",
		SessionID: sessionID,
		Message:   message,
	})
	require.NoError(t, err)

	events := testutil.Drain(t, reply.Events)
	testutil.AssertWellFormed(t, events)

	return reply, events
}

// -------------------- Conversation Tests --------------------

func TestRunner_PersistsExchangeAndReusesSession(t *testing.T) {
	llm := model.NewScriptedModel("mock",
		model.Round{Text: "Hello!"},
		model.Round{Text: "Sure, your order ships tomorrow."},
	)
	f := newFixture(t, testutil.SingleAgent("support"), llm)

	first, events := f.send(t, "sess-1", "hi")
	assert.Equal(t, "Hello!", testutil.Complete(t, events).Content)

	second, events := f.send(t, "sess-1", "where is my order?")
	assert.Equal(t, first.ConversationID, second.ConversationID)
	assert.Equal(t, "Sure, your order ships tomorrow.", testutil.Complete(t, events).Content)

	conv, err := f.store.GetConversation(context.Background(), first.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, 2, conv.UserMessages)
	assert.Equal(t, 2, conv.AssistantMessages)
	assert.Equal(t, core.ChannelWidget, conv.Channel)

	msgs, err := f.store.RecentMessages(context.Background(), conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, "Hello!", msgs[1].Content)

	reqs := llm.Requests()
	require.Len(t, reqs, 2)

	var texts []string
	for _, c := range reqs[1].Contents {
		texts = append(texts, c.Text())
	}
	assert.Contains(t, texts, "hi")
	assert.Contains(t, texts, "Hello!")
}

func TestRunner_QueuedTurnSeesPreviousAnswer(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	lookup := tool.NewFunctionTool("track_order", "Tracks an order", map[string]any{"type": "object"},
		func(*core.ToolContext, map[string]any) (any, error) {
			entered <- struct{}{}
			<-release
			return "in transit", nil
		})

	llm := model.NewResponderModel("mock", func(req model.Request) model.Round {
		switch {
		case model.LastUserText(req) != "where is my order?":
			return model.Round{Text: "Anything else?"}
		case len(model.ToolResults(req)) == 0:
			return model.Round{Calls: []core.FunctionCall{{ID: "call-1", Name: "track_order", Arguments: `{}`}}}
		default:
			return model.Round{Text: "It is in transit."}
		}
	})

	models := model.NewRegistry()
	models.Register("mock", llm)
	pkg := testutil.SingleAgent("support", "track_order")
	catalog := NewCatalog(pkg)
	require.NoError(t, catalog.Deploy("acme", "bot-1", pkg.ID))
	store := session.NewInMemoryStore()
	r := New(engine.New(agent.NewBinder(models, tool.NewRegistry(lookup))), catalog, func(o *Options) {
		o.Conversations = store
	})

	ctx := context.Background()
	in := Inbound{TenantID: "acme", ChatbotID: "bot-1", EndUserID: "user-1", SessionID: "sess-1"}

	in.Message = "where is my order?"
	first, err := r.Handle(ctx, in)
	require.NoError(t, err)

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first turn never reached the tool")
	}

	in.Message = "thanks"
	second, err := r.Handle(ctx, in)
	require.NoError(t, err)
	require.Equal(t, first.ConversationID, second.ConversationID)

	// The queued message is not recorded while the first turn runs.
	msgs, err := store.RecentMessages(ctx, first.ConversationID, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	close(release)
	assert.Equal(t, "It is in transit.", testutil.Complete(t, testutil.Drain(t, first.Events)).Content)
	assert.Equal(t, "Anything else?", testutil.Complete(t, testutil.Drain(t, second.Events)).Content)

	msgs, err = store.RecentMessages(ctx, first.ConversationID, 10)
	require.NoError(t, err)

	var transcript []string
	for _, m := range msgs {
		transcript = append(transcript, string(m.Role)+":"+m.Content)
	}
	assert.Equal(t, []string{
		"user:where is my order?",
		"assistant:It is in transit.",
		"user:thanks",
		"assistant:Anything else?",
	}, transcript)

	reqs := llm.Requests()
	var history []string
	for _, c := range reqs[len(reqs)-1].Contents {
		history = append(history, c.Role+":"+c.Text())
	}
	assert.Equal(t, []string{
		"user:where is my order?",
		"assistant:It is in transit.",
		"user:thanks",
	}, history)
}

func TestRunner_TerminalConversationIsReplaced(t *testing.T) {
	f := newFixture(t, testutil.SingleAgent("support"), model.NewScriptedModel("mock"))

	first, _ := f.send(t, "sess-1", "hi")
	_, err := f.runner.CloseConversation(context.Background(), first.ConversationID, core.ConversationResolved)
	require.NoError(t, err)

	second, _ := f.send(t, "sess-1", "hello again")
	assert.NotEqual(t, first.ConversationID, second.ConversationID)

	_, err = f.runner.CloseConversation(context.Background(), first.ConversationID, core.ConversationAbandoned)
	assert.ErrorIs(t, err, core.ErrInvalidTransition)
}

func TestRunner_UnknownChatbot(t *testing.T) {
	f := newFixture(t, testutil.SingleAgent("support"), model.NewScriptedModel("mock"))

	_, err := f.runner.Handle(context.Background(), Inbound{TenantID: "acme", ChatbotID: "nope", Message: "hi"})
	assert.ErrorIs(t, err, ErrUnknownChatbot)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestRunner_ConversationOfAnotherTenant(t *testing.T) {
	f := newFixture(t, testutil.SingleAgent("support"), model.NewScriptedModel("mock"))
	first, _ := f.send(t, "sess-1", "hi")

	require.NoError(t, f.runner.Catalog().Deploy("globex", "bot-1", "pkg-support"))

	_, err := f.runner.Handle(context.Background(), Inbound{
		TenantID:       "globex",
		ChatbotID:      "bot-1",
		ConversationID: first.ConversationID,
		Message:        "hi",
	})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestRunner_CallTurnUsesConversation(t *testing.T) {
	f := newFixture(t, testutil.SingleAgent("support"), model.NewScriptedModel("mock", model.Round{Text: "Speaking."}))

	conv := &core.Conversation{TenantID: "acme", ChatbotID: "bot-1", EndUserID: "caller", Channel: core.ChannelVoice}
	require.NoError(t, f.store.CreateConversation(context.Background(), conv))

	events, err := f.runner.CallTurn(context.Background(), core.CallSession{
		SessionID:      "call-sess",
		ConversationID: conv.ID,
		TenantID:       "acme",
		ChatbotID:      "bot-1",
		EndUserID:      "caller",
	}, "hello?")
	require.NoError(t, err)

	done := testutil.Complete(t, testutil.Drain(t, events))
	assert.Equal(t, "Speaking.", done.Content)
	assert.Equal(t, conv.ID, done.Metadata.ConversationID)

	got, err := f.store.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.TotalMessages)
}

func TestRunner_AbandonIdle(t *testing.T) {
	f := newFixture(t, testutil.SingleAgent("support"), model.NewScriptedModel("mock"))
	reply, _ := f.send(t, "sess-1", "hi")

	n, err := f.runner.AbandonIdle(context.Background(), -time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	conv, err := f.store.GetConversation(context.Background(), reply.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, core.ConversationAbandoned, conv.Status)

	n, err = f.runner.AbandonIdle(context.Background(), -time.Second)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// -------------------- Auth Tests --------------------

func TestRunner_AuthChallengeShortCircuits(t *testing.T) {
	llm := model.NewScriptedModel("mock", model.Round{Text: "Your invoice is attached."})
	pkg := testutil.NewPackageBuilder("secure").
		Worker("billing").
		Auth(&core.AuthSpec{Required: true, Steps: testutil.EmailLoginSteps()}).
		Build()
	f := newFixture(t, pkg, llm)

	reply, events := f.send(t, "sess-1", "show my invoice")
	require.NotNil(t, reply.Challenge)
	assert.Equal(t, []core.EventType{core.EventComplete}, testutil.Types(events))

	done := testutil.Complete(t, events)
	require.NotNil(t, done.Metadata.AuthStep)
	assert.Equal(t, "email", done.Metadata.AuthStep.ID)
	assert.Empty(t, llm.Requests())

	msgs, err := f.store.RecentMessages(context.Background(), reply.ConversationID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, core.MessageAuthPrompt, msgs[1].Type)
	assert.Equal(t, "Please enter the email address of your account.", msgs[1].Content)

	gate := f.runner.Gate()
	for _, step := range []auth.Input{
		{StepID: "email", Values: map[string]string{"email": "jane@example.com"}},
		{StepID: "otp", Values: map[string]string{"code": "123456"}},
	} {
		step.Package, step.ChatbotID, step.EndUserID = pkg, "bot-1", "user-1"
		res, err := gate.ProcessAuthInput(context.Background(), step)
		require.NoError(t, err)
		require.True(t, res.Success, res.Error)
	}

	reply, events = f.send(t, "sess-1", "show my invoice")
	assert.Nil(t, reply.Challenge)
	assert.Equal(t, "Your invoice is attached.", testutil.Complete(t, events).Content)

	// Auth prompts stay out of the model history.
	reqs := llm.Requests()
	require.Len(t, reqs, 1)
	for _, c := range reqs[0].Contents {
		assert.NotEqual(t, "Please enter the email address of your account.", c.Text())
	}
}

// -------------------- Escalation Tests --------------------

func TestRunner_EscalatesBeforeTerminal(t *testing.T) {
	f := newFixture(t, testutil.SingleAgent("support"), model.NewScriptedModel("mock", model.Round{Text: "Let me find someone."}))

	reply, _ := f.send(t, "sess-1", "I want to talk to a human please")

	open, err := f.runner.Router().Query(context.Background(), core.EscalationQuery{View: core.ViewAll})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, reply.ConversationID, open[0].ConversationID)
	assert.Equal(t, core.TriggerExplicitRequest, open[0].Trigger)
	assert.Equal(t, core.PriorityMedium, open[0].Priority)

	_, err = f.runner.CloseConversation(context.Background(), reply.ConversationID, core.ConversationResolved)
	require.NoError(t, err)

	got, err := f.runner.Router().Get(context.Background(), open[0].ID)
	require.NoError(t, err)
	assert.Equal(t, core.EscalationResolved, got.Status)
}

type hangingNotifier struct{ release chan struct{} }

func (n hangingNotifier) Notify(context.Context, core.Escalation) error {
	<-n.release
	return nil
}

func TestRunner_HangingNotifierDoesNotHoldTerminal(t *testing.T) {
	notifier := hangingNotifier{release: make(chan struct{})}
	t.Cleanup(func() { close(notifier.release) })

	f := newFixture(t, testutil.SingleAgent("support"), model.NewScriptedModel("mock", model.Round{Text: "Help is on the way."}))
	f.runner.opts.Router = escalation.NewRouter(escalation.NewMemoryStore(), func(o *escalation.Options) {
		o.Notifier = notifier
	})

	reply, err := f.runner.Handle(context.Background(), Inbound{
		TenantID:  "acme",
		ChatbotID: "bot-1",
		SessionID: "sess-1",
		Message:   "this is an emergency",
	})
	require.NoError(t, err)

	var events []core.StreamEvent
	deadline := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case ev, ok := <-reply.Events:
			if !ok {
				done = true
				break
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatal("no terminal event while the notifier hangs")
		}
	}

	testutil.AssertWellFormed(t, events)
	assert.Equal(t, "Help is on the way.", testutil.Complete(t, events).Content)

	open, err := f.runner.Router().Query(context.Background(), core.EscalationQuery{View: core.ViewAll})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, core.PriorityUrgent, open[0].Priority)
}

func TestRunner_FailedTurnsEscalate(t *testing.T) {
	boom := model.Round{Err: assert.AnError}
	f := newFixture(t, testutil.SingleAgent("support"), model.NewScriptedModel("mock", boom, boom, boom))
	f.runner.opts.Router = escalation.NewRouter(escalation.NewMemoryStore(), func(o *escalation.Options) {
		o.FailureThreshold = 2
	})

	var conv string
	for i := 0; i < 2; i++ {
		reply, events := f.send(t, "sess-1", "help")
		assert.Equal(t, core.CodeModelUnavailable, testutil.Error(t, events).Code)
		conv = reply.ConversationID
	}

	open, err := f.runner.Router().Query(context.Background(), core.EscalationQuery{View: core.ViewQueue})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, conv, open[0].ConversationID)
	assert.Equal(t, core.PriorityHigh, open[0].Priority)

	// Failed turns persist no answer.
	c, err := f.store.GetConversation(context.Background(), conv)
	require.NoError(t, err)
	assert.Zero(t, c.AssistantMessages)
}

// -------------------- Catalog Tests --------------------

func TestCatalog(t *testing.T) {
	c := NewCatalog(testutil.SingleAgent("support"))

	assert.ErrorIs(t, c.Deploy("acme", "bot-1", "missing"), core.ErrNotFound)
	require.NoError(t, c.Deploy("acme", "bot-1", "pkg-support"))

	pkg, err := c.Package("acme", "bot-1")
	require.NoError(t, err)
	assert.Equal(t, "pkg-support", pkg.ID)

	_, err = c.Package("other", "bot-1")
	assert.ErrorIs(t, err, ErrUnknownChatbot)
	assert.Len(t, c.Packages(), 1)
}
