package testutil

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/supportmesh/core"
)

// DefaultWait bounds how long Drain waits for a stream to close.
const DefaultWait = 5 * time.Second

// Drain reads events until the channel closes, failing the test after
// DefaultWait.
func Drain(t testing.TB, events <-chan core.StreamEvent) []core.StreamEvent {
	t.Helper()

	var out []core.StreamEvent
	timeout := time.After(DefaultWait)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			require.FailNow(t, "stream did not close", "received %d events", len(out))
		}
	}
}

// Types lists the event types in order.
func Types(events []core.StreamEvent) []core.EventType {
	out := make([]core.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

// Deltas concatenates the delta contents.
func Deltas(events []core.StreamEvent) string {
	var b strings.Builder
	for _, ev := range events {
		if d, ok := ev.Data.(core.DeltaData); ok {
			b.WriteString(d.Content)
		}
	}
	return b.String()
}

// Notifications lists the notification messages in order.
func Notifications(events []core.StreamEvent) []string {
	var out []string
	for _, ev := range events {
		if d, ok := ev.Data.(core.NotificationData); ok {
			out = append(out, d.Message)
		}
	}
	return out
}

// ToolCalls lists the tool_call payloads in order.
func ToolCalls(events []core.StreamEvent) []core.ToolCallData {
	var out []core.ToolCallData
	for _, ev := range events {
		if d, ok := ev.Data.(core.ToolCallData); ok {
			out = append(out, d)
		}
	}
	return out
}

// Complete returns the complete payload of a finished stream.
func Complete(t testing.TB, events []core.StreamEvent) core.CompleteData {
	t.Helper()
	require.NotEmpty(t, events)
	d, ok := events[len(events)-1].Data.(core.CompleteData)
	require.True(t, ok, "last event is %s, want complete", events[len(events)-1].Type)
	return d
}

// Error returns the error payload of a failed stream.
func Error(t testing.TB, events []core.StreamEvent) core.ErrorData {
	t.Helper()
	require.NotEmpty(t, events)
	d, ok := events[len(events)-1].Data.(core.ErrorData)
	require.True(t, ok, "last event is %s, want error", events[len(events)-1].Type)
	return d
}

// AssertWellFormed checks the stream contract of a settled turn: exactly
// one terminal event and it is last; every tool_call(started) is followed by
// exactly one completion of the same call before the same tool starts
// again; the complete content equals the concatenated deltas.
func AssertWellFormed(t testing.TB, events []core.StreamEvent) {
	t.Helper()
	require.NotEmpty(t, events)

	for i, ev := range events {
		if ev.IsTerminal() {
			assert.Equal(t, len(events)-1, i, "terminal event %s is not last", ev.Type)
		}
	}
	require.True(t, events[len(events)-1].IsTerminal(), "stream has no terminal event")

	open := map[string]string{}
	for _, d := range ToolCalls(events) {
		switch d.Status {
		case core.ToolStarted:
			assert.Empty(t, open[d.ToolName], "tool %s started twice without completing", d.ToolName)
			open[d.ToolName] = d.CallID
		default:
			assert.Equal(t, open[d.ToolName], d.CallID, "tool %s completed a call it did not start", d.ToolName)
			open[d.ToolName] = ""
		}
	}
	for name, id := range open {
		assert.Empty(t, id, "tool %s never completed", name)
	}

	if c, ok := events[len(events)-1].Data.(core.CompleteData); ok {
		assert.Equal(t, Deltas(events), c.Content)
	}
}
