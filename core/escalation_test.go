package core

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestSortEscalations_UrgentBeforeOlderHigh(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)

	es := []Escalation{
		{ID: "a", Priority: PriorityHigh, CreatedAt: t1},
		{ID: "b", Priority: PriorityUrgent, CreatedAt: t2},
	}
	SortEscalations(es)

	assert.Equal(t, "b", es[0].ID)
	assert.Equal(t, "a", es[1].ID)
}

func TestSortEscalations_OldestFirstWithinPriority(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	es := []Escalation{
		{ID: "new", Priority: PriorityMedium, CreatedAt: t1.Add(time.Hour)},
		{ID: "low", Priority: PriorityLow, CreatedAt: t1.Add(-time.Hour)},
		{ID: "old", Priority: PriorityMedium, CreatedAt: t1},
	}
	SortEscalations(es)

	assert.Equal(t, []string{"old", "new", "low"}, []string{es[0].ID, es[1].ID, es[2].ID})
}

func TestEscalationOrderingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	priorities := []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	genEscalation := gopter.CombineGens(
		gen.IntRange(0, 3),
		gen.IntRange(0, 1000),
		gen.Identifier(),
	).Map(func(v []any) Escalation {
		return Escalation{
			ID:        v[2].(string),
			Priority:  priorities[v[0].(int)],
			CreatedAt: base.Add(time.Duration(v[1].(int)) * time.Second),
		}
	})

	properties.Property("sorted queue is priority desc then createdAt asc", prop.ForAll(
		func(es []Escalation) bool {
			SortEscalations(es)
			for i := 1; i < len(es); i++ {
				prev, cur := es[i-1], es[i]
				if prev.Priority.Rank() < cur.Priority.Rank() {
					return false
				}
				if prev.Priority == cur.Priority && prev.CreatedAt.After(cur.CreatedAt) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genEscalation),
	))

	properties.Property("higher priority always precedes regardless of age", prop.ForAll(
		func(hi, lo int, older int) bool {
			if hi <= lo {
				return true
			}
			a := Escalation{ID: "a", Priority: priorities[hi], CreatedAt: base.Add(time.Duration(older) * time.Second)}
			b := Escalation{ID: "b", Priority: priorities[lo], CreatedAt: base}
			return EscalationLess(a, b) && !EscalationLess(b, a)
		},
		gen.IntRange(0, 3),
		gen.IntRange(0, 3),
		gen.IntRange(1, 10000),
	))

	properties.TestingRun(t)
}

func TestEscalationQuery_Matches(t *testing.T) {
	agent := "agent-7"
	assigned := Escalation{Status: EscalationAssigned, AssignedUserID: &agent}
	pending := Escalation{Status: EscalationPending}

	assert.True(t, EscalationQuery{View: ViewMine, UserID: agent}.Matches(assigned))
	assert.False(t, EscalationQuery{View: ViewMine, UserID: "other"}.Matches(assigned))
	assert.True(t, EscalationQuery{View: ViewQueue}.Matches(pending))
	assert.False(t, EscalationQuery{View: ViewQueue}.Matches(assigned))
	assert.True(t, EscalationQuery{View: ViewAll, Statuses: []EscalationStatus{EscalationPending}}.Matches(pending))
	assert.False(t, EscalationQuery{View: ViewAll, Statuses: []EscalationStatus{EscalationResolved}}.Matches(pending))
}

func TestEscalationStatus_CanTransition(t *testing.T) {
	assert.True(t, EscalationPending.CanTransition(EscalationAssigned))
	assert.True(t, EscalationAssigned.CanTransition(EscalationInProgress))
	assert.False(t, EscalationPending.CanTransition(EscalationInProgress))
	assert.True(t, EscalationInProgress.CanTransition(EscalationResolved))
	assert.False(t, EscalationResolved.CanTransition(EscalationResolved))
}
