package flow

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/supportmesh/core"
	"github.com/hupe1980/supportmesh/model"
	"github.com/hupe1980/supportmesh/tool"
)

func sleepyTool(name string, active *int32, overlap *atomic.Bool) tool.Tool {
	return echoTool(name, func(tc *core.ToolContext, _ map[string]any) (any, error) {
		if atomic.AddInt32(active, 1) > 1 {
			overlap.Store(true)
		}
		defer atomic.AddInt32(active, -1)
		time.Sleep(time.Duration(len(tc.FunctionCallID())%3) * time.Millisecond)
		return tc.FunctionCallID(), nil
	})
}

// -------------------- Ordering Tests --------------------

func TestExecutor_PerToolEventsAreBalanced(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("started/completed never interleave for one tool", prop.ForAll(
		func(picks []int) bool {
			names := []string{"alpha", "beta", "gamma"}
			active := map[string]*int32{}
			overlap := &atomic.Bool{}
			tools := map[string]tool.Tool{}
			for _, n := range names {
				active[n] = new(int32)
				tools[n] = sleepyTool(n, active[n], overlap)
			}

			calls := make([]core.FunctionCall, len(picks))
			for i, p := range picks {
				calls[i] = core.FunctionCall{ID: fmt.Sprintf("c%d", i), Name: names[p%len(names)]}
			}

			rc := newRunCtx(t, context.Background(), "hi", 0)
			agent := &stubAgent{id: "support"}
			results, err := NewParallelFunctionExecutor(FunctionExecutorConfig{MaxParallel: 2}).Execute(rc, agent, tools, calls)
			if err != nil || len(results) != len(calls) {
				return false
			}
			for i, r := range results {
				if r.Call.ID != calls[i].ID || r.Response.Response != calls[i].ID {
					return false
				}
			}

			open := map[string]string{}
			var startedOrder, completedOrder []string
			for _, d := range toolEvents(drain(rc)) {
				switch d.Status {
				case core.ToolStarted:
					if open[d.ToolName] != "" {
						return false
					}
					open[d.ToolName] = d.CallID
					startedOrder = append(startedOrder, d.CallID)
				case core.ToolCompleted:
					if open[d.ToolName] != d.CallID {
						return false
					}
					open[d.ToolName] = ""
					completedOrder = append(completedOrder, d.CallID)
				default:
					return false
				}
			}

			for i, c := range calls {
				if completedOrder[i] != c.ID {
					return false
				}
			}
			return len(startedOrder) == len(calls) && !overlap.Load()
		},
		gen.SliceOf(gen.IntRange(0, 2)),
	))

	properties.TestingRun(t)
}

func TestExecutor_DifferentToolsRunConcurrently(t *testing.T) {
	release := make(chan struct{})
	var waiting atomic.Int32
	block := func(*core.ToolContext, map[string]any) (any, error) {
		waiting.Add(1)
		<-release
		return "ok", nil
	}
	tools := map[string]tool.Tool{
		"a": echoTool("a", block),
		"b": echoTool("b", block),
	}
	rc := newRunCtx(t, context.Background(), "hi", 0)

	done := make(chan error, 1)
	go func() {
		_, err := NewParallelFunctionExecutor(FunctionExecutorConfig{}).Execute(rc, &stubAgent{id: "support"}, tools,
			[]core.FunctionCall{{ID: "1", Name: "a"}, {ID: "2", Name: "b"}})
		done <- err
	}()

	require.Eventually(t, func() bool { return waiting.Load() == 2 }, time.Second, time.Millisecond)
	close(release)
	require.NoError(t, <-done)
}

// -------------------- Failure Tests --------------------

func TestExecutor_CrashIsReportedAsFailed(t *testing.T) {
	tools := map[string]tool.Tool{
		"broken": echoTool("broken", func(*core.ToolContext, map[string]any) (any, error) {
			return nil, errors.New("connection reset")
		}),
		"panicky": echoTool("panicky", func(*core.ToolContext, map[string]any) (any, error) {
			panic("boom")
		}),
	}
	rc := newRunCtx(t, context.Background(), "hi", 0)

	results, err := NewParallelFunctionExecutor(FunctionExecutorConfig{}).Execute(rc, &stubAgent{id: "support"}, tools,
		[]core.FunctionCall{{ID: "1", Name: "broken"}, {ID: "2", Name: "panicky"}})
	require.NoError(t, err)
	require.Len(t, results, 2)

	for _, r := range results {
		assert.True(t, r.Crashed)
		assert.NotEmpty(t, r.Response.Error)
		assert.NotContains(t, r.Response.Error, "connection reset")
	}
	assert.Equal(t, 2, rc.Turn.Summary().ToolFailures)

	var failed, notes int
	for _, ev := range drain(rc) {
		switch d := ev.Data.(type) {
		case core.ToolCallData:
			if d.Status == core.ToolFailed {
				failed++
			}
		case core.NotificationData:
			notes++
		}
	}
	assert.Equal(t, 2, failed)
	assert.Equal(t, 2, notes)
}

func TestExecutor_BusinessFailuresComplete(t *testing.T) {
	tools := map[string]tool.Tool{
		"lookup": echoTool("lookup", func(*core.ToolContext, map[string]any) (any, error) {
			return tool.NewFailure(tool.CodeNotConfigured, "no api key configured", false), nil
		}),
	}
	rc := newRunCtx(t, context.Background(), "hi", 0)

	calls := []core.FunctionCall{
		{ID: "1", Name: "lookup"},
		{ID: "2", Name: "missing"},
		{ID: "3", Name: "lookup", Arguments: "{not json"},
	}
	results, err := NewParallelFunctionExecutor(FunctionExecutorConfig{}).Execute(rc, &stubAgent{id: "support"}, tools, calls)
	require.NoError(t, err)

	for _, r := range results {
		assert.False(t, r.Crashed)
		assert.True(t, tool.IsFailure(r.Response.Response), r.Call.ID)
	}
	assert.Contains(t, model.FunctionResponseText(results[1].Response), tool.CodeNotFound)
	assert.Contains(t, model.FunctionResponseText(results[2].Response), tool.CodeValidation)
	assert.Zero(t, rc.Turn.Summary().ToolFailures)

	for _, d := range toolEvents(drain(rc)) {
		assert.NotEqual(t, core.ToolFailed, d.Status)
	}
}

func TestExecutor_ToolTimeout(t *testing.T) {
	tools := map[string]tool.Tool{
		"slow": echoTool("slow", func(tc *core.ToolContext, _ map[string]any) (any, error) {
			<-tc.Context().Done()
			return nil, tc.Context().Err()
		}),
	}
	rc := newRunCtx(t, context.Background(), "hi", 0)

	results, err := NewParallelFunctionExecutor(FunctionExecutorConfig{ToolTimeout: 10 * time.Millisecond}).
		Execute(rc, &stubAgent{id: "support"}, tools, []core.FunctionCall{{ID: "1", Name: "slow"}})
	require.NoError(t, err)
	assert.True(t, results[0].Crashed)
}

func TestExecutor_CancelAbandonsPendingCalls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	tools := map[string]tool.Tool{
		"hang": echoTool("hang", func(*core.ToolContext, map[string]any) (any, error) {
			close(started)
			time.Sleep(50 * time.Millisecond)
			return "late", nil
		}),
	}
	rc := newRunCtx(t, ctx, "hi", 0)

	go func() {
		<-started
		cancel()
	}()

	_, err := NewParallelFunctionExecutor(FunctionExecutorConfig{}).
		Execute(rc, &stubAgent{id: "support"}, tools, []core.FunctionCall{{ID: "1", Name: "hang"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecutor_ToolMessageOverrides(t *testing.T) {
	tools := map[string]tool.Tool{
		"refund": echoTool("refund", func(*core.ToolContext, map[string]any) (any, error) { return "ok", nil }),
	}
	agent := &stubAgent{id: "billing", messages: map[string]string{
		"refund.executing": "Processing your refund",
		"refund.completed": "Refund issued",
	}}
	rc := newRunCtx(t, context.Background(), "hi", 0)

	_, err := NewParallelFunctionExecutor(FunctionExecutorConfig{}).Execute(rc, agent, tools, []core.FunctionCall{{ID: "1", Name: "refund"}})
	require.NoError(t, err)

	var notes []string
	for _, ev := range drain(rc) {
		if d, ok := ev.Data.(core.NotificationData); ok {
			notes = append(notes, d.Message)
		}
	}
	assert.Equal(t, []string{"Processing your refund", "Refund issued"}, notes)
}
