package dispatch

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/supportmesh/core"
)

func supervisedPackage(strategy, fallback string) *core.PackageDefinition {
	return &core.PackageDefinition{
		ID: "desk",
		Supervisor: &core.AgentSpec{
			ID:               "triage",
			Role:             "supervisor",
			Workers:          []string{"billing", "tech"},
			RoutingStrategy:  strategy,
			FallbackBehavior: fallback,
		},
		Workers: []core.AgentSpec{
			{ID: "billing", Role: "worker", Intents: []string{"invoice", "refund", "payment method"}},
			{ID: "tech", Role: "worker", Intents: []string{"error", "login", "password reset"}},
			{ID: "sales", Role: "worker", Intents: []string{"pricing"}},
		},
	}
}

// -------------------- Resolve --------------------

func TestResolve_SingleAgent(t *testing.T) {
	pkg := &core.PackageDefinition{ID: "p", Workers: []core.AgentSpec{{ID: "support"}}}

	plan, err := New().Resolve(pkg, "anything at all")
	require.NoError(t, err)
	assert.Equal(t, ModeSingle, plan.Mode)
	assert.Equal(t, "support", plan.Entry)
}

func TestResolve_SingleWorkerProperty(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("a lone worker always receives the turn", prop.ForAll(
		func(id, message string) bool {
			pkg := &core.PackageDefinition{ID: "p", Workers: []core.AgentSpec{{ID: id, Intents: []string{"refund"}}}}
			plan, err := New().Resolve(pkg, message)
			return err == nil && plan.Entry == id && plan.Mode == ModeSingle
		},
		gen.Identifier(),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

func TestResolve_IntentRouting(t *testing.T) {
	tests := []struct {
		name      string
		fallback  string
		message   string
		entry     string
		delegated bool
	}{
		{"match", core.FallbackHandleDirectly, "I need a refund for my last invoice", "billing", true},
		{"multi word intent", core.FallbackHandleDirectly, "How do I do a password reset?", "tech", true},
		{"whole words only", core.FallbackHandleDirectly, "terrorism is not an error-free word", "tech", true},
		{"no match handle directly", core.FallbackHandleDirectly, "hello there", "triage", false},
		{"no match first worker", core.FallbackFirstWorker, "hello there", "billing", true},
		{"unlisted worker ignored", core.FallbackHandleDirectly, "what is your pricing", "triage", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := New().Resolve(supervisedPackage(core.RoutingIntent, tt.fallback), tt.message)
			require.NoError(t, err)
			assert.Equal(t, ModeSupervised, plan.Mode)
			assert.Equal(t, tt.entry, plan.Entry)
			assert.Equal(t, tt.delegated, plan.Delegated)
		})
	}
}

func TestResolve_LLMStrategyStartsAtSupervisor(t *testing.T) {
	plan, err := New().Resolve(supervisedPackage(core.RoutingLLM, ""), "refund please")
	require.NoError(t, err)
	assert.Equal(t, "triage", plan.Entry)
	assert.False(t, plan.Delegated)
}

func TestResolve_WorkersWithoutSupervisor(t *testing.T) {
	pkg := &core.PackageDefinition{ID: "p", Workers: []core.AgentSpec{
		{ID: "a", Intents: []string{"shipping"}},
		{ID: "b", Intents: []string{"returns"}},
	}}

	plan, err := New().Resolve(pkg, "question about returns")
	require.NoError(t, err)
	assert.Equal(t, ModeWorkers, plan.Mode)
	assert.Equal(t, "b", plan.Entry)

	plan, err = New().Resolve(pkg, "hi")
	require.NoError(t, err)
	assert.Equal(t, "a", plan.Entry)
}

func TestResolve_NoAgents(t *testing.T) {
	_, err := New().Resolve(&core.PackageDefinition{ID: "empty"}, "hi")
	assert.ErrorIs(t, err, core.ErrInvalidPackage)
}

// -------------------- Routing --------------------

func TestRouting_SupervisorDelegatesOnce(t *testing.T) {
	pkg := supervisedPackage(core.RoutingLLM, "")
	d := New()
	plan, _ := d.Resolve(pkg, "hi")
	r := d.NewRouting(pkg, plan)

	assert.Equal(t, []string{"billing", "tech"}, r.Targets("triage"))

	err := r.Authorize("triage", "sales")
	assert.ErrorIs(t, err, core.ErrHandoffRejected, "sales is not in the supervisor's workers")
	assert.Equal(t, "triage", r.Current())

	require.NoError(t, r.Authorize("triage", "billing"))
	assert.Equal(t, "billing", r.Current())
	assert.Empty(t, r.Targets("triage"))
}

func TestRouting_WorkerHandoffBound(t *testing.T) {
	pkg := supervisedPackage(core.RoutingIntent, core.FallbackHandleDirectly)
	d := New()
	plan, _ := d.Resolve(pkg, "refund")
	r := d.NewRouting(pkg, plan)

	assert.Equal(t, []string{"tech"}, r.Targets("billing"))
	require.NoError(t, r.Authorize("billing", "tech"))

	assert.Empty(t, r.Targets("tech"))
	assert.ErrorIs(t, r.Authorize("tech", "billing"), core.ErrHandoffLimit)
	assert.Equal(t, "tech", r.Current())
}

func TestRouting_Rejections(t *testing.T) {
	pkg := supervisedPackage(core.RoutingIntent, core.FallbackHandleDirectly)
	d := New()

	tests := []struct {
		name, from, to string
	}{
		{"self", "billing", "billing"},
		{"back to supervisor", "billing", "triage"},
		{"unknown", "billing", "nobody"},
		{"not holding the turn", "tech", "billing"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := d.NewRouting(pkg, Plan{Mode: ModeSupervised, Entry: "billing", Delegated: true})
			assert.ErrorIs(t, r.Authorize(tt.from, tt.to), core.ErrHandoffRejected)
			assert.Equal(t, "billing", r.Current())
		})
	}
}

func TestRouting_ConfigurableBound(t *testing.T) {
	pkg := &core.PackageDefinition{ID: "p", Workers: []core.AgentSpec{{ID: "a"}, {ID: "b"}, {ID: "c"}}}
	d := New(func(o *Options) { o.MaxWorkerHandoffs = 0 })
	r := d.NewRouting(pkg, Plan{Mode: ModeWorkers, Entry: "a"})

	assert.Empty(t, r.Targets("a"))
	assert.ErrorIs(t, r.Authorize("a", "b"), core.ErrHandoffLimit)
}

func TestDescribe(t *testing.T) {
	pkg := supervisedPackage(core.RoutingLLM, "")
	assert.Equal(t, "Routing your request from triage (supervisor) to billing (worker)", Describe(pkg, "triage", "billing"))
	assert.Equal(t, "Handing over from billing (worker) to tech (worker)", Describe(pkg, "billing", "tech"))
}

func TestFirstPhrase(t *testing.T) {
	phrases := []string{"real person", "human"}

	p, ok := FirstPhrase("Can I talk to a REAL person, please?", phrases)
	assert.True(t, ok)
	assert.Equal(t, "real person", p)

	_, ok = FirstPhrase("humanity is great", phrases)
	assert.False(t, ok)
}
