package core

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(s *Stream) []StreamEvent {
	var out []StreamEvent
	for ev := range s.Events() {
		out = append(out, ev)
	}
	return out
}

func TestStream_SingleTerminal(t *testing.T) {
	s := NewStream(context.Background(), 8)

	require.NoError(t, s.Emit(NewThinkingEvent("routing", 0.1)))
	require.NoError(t, s.Delta("Hello"))
	require.NoError(t, s.Delta(", world"))
	require.NoError(t, s.Complete(CompleteMetadata{ModelID: "mock"}))

	assert.ErrorIs(t, s.Delta("late"), ErrStreamClosed)
	assert.ErrorIs(t, s.Fail(CodeInternal, "late"), ErrStreamClosed)
	s.Close()

	events := drain(s)
	require.Len(t, events, 4)
	last := events[3]
	assert.True(t, last.IsTerminal())
	assert.Equal(t, "Hello, world", last.Data.(CompleteData).Content)
}

func TestStream_CancelledContextStopsEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewStream(ctx, 0)

	cancel()
	err := s.Delta("x")
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, s.Done())

	_, ok := s.Terminal()
	assert.False(t, ok)
	assert.Empty(t, drain(s))
}

func TestStream_ConcurrentEmitters(t *testing.T) {
	s := NewStream(context.Background(), 0)

	var got []StreamEvent
	done := make(chan struct{})
	go func() {
		got = drain(s)
		close(done)
	}()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Notify("tick")
		}()
	}
	wg.Wait()
	require.NoError(t, s.Fail(CodeInternal, "boom"))
	<-done

	require.Len(t, got, 11)
	assert.Equal(t, EventError, got[10].Type)
}

func TestStream_DeltaReconstructionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("complete content equals concatenated deltas", prop.ForAll(
		func(chunks []string) bool {
			s := NewStream(context.Background(), len(chunks)+2)
			for _, c := range chunks {
				if err := s.Delta(c); err != nil {
					return false
				}
			}
			if err := s.Complete(CompleteMetadata{}); err != nil {
				return false
			}

			var sb strings.Builder
			var complete string
			terminals := 0
			for ev := range s.Events() {
				switch d := ev.Data.(type) {
				case DeltaData:
					sb.WriteString(d.Content)
				case CompleteData:
					complete = d.Content
					terminals++
				}
			}
			return terminals == 1 && complete == sb.String()
		},
		gen.SliceOf(gen.AnyString()),
	))

	properties.TestingRun(t)
}
