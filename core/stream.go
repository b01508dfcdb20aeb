package core

import (
	"context"
	"strings"
	"sync"
)

// DefaultStreamBuffer is the channel capacity used when none is given.
const DefaultStreamBuffer = 16

// Stream is the ordered sink of one turn's events. It guarantees a single
// terminal event, emitted last, after which the channel is closed. The
// complete event's content is built from the deltas that were actually
// delivered, so it always equals their concatenation.
//
// A Stream is safe for concurrent use; events are delivered in the order the
// Emit calls acquire the stream.
type Stream struct {
	ctx context.Context
	ch  chan StreamEvent

	mu       sync.Mutex
	closed   bool
	answered bool // a tool_call or delta was delivered
	terminal *StreamEvent
	content  strings.Builder
}

// NewStream creates a stream bound to ctx. When ctx is cancelled pending and
// future emits fail and the channel is closed without a terminal event.
func NewStream(ctx context.Context, buffer int) *Stream {
	if buffer < 0 {
		buffer = DefaultStreamBuffer
	}
	return &Stream{ctx: ctx, ch: make(chan StreamEvent, buffer)}
}

// Events returns the receive side of the stream.
func (s *Stream) Events() <-chan StreamEvent { return s.ch }

// Emit delivers a non terminal event. Terminal events are routed through
// the same path as Complete and Fail.
func (s *Stream) Emit(ev StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStreamClosed
	}

	if err := s.send(ev); err != nil {
		return err
	}

	switch d := ev.Data.(type) {
	case DeltaData:
		s.content.WriteString(d.Content)
		s.answered = true
	case ToolCallData:
		s.answered = true
	case CompleteData, ErrorData:
		s.finish(ev)
	}

	return nil
}

// Delta emits a delta event.
func (s *Stream) Delta(text string) error {
	if text == "" {
		return nil
	}
	return s.Emit(NewDeltaEvent(text))
}

// Thinking emits a thinking event. Once a tool call or delta has been
// delivered the turn has left its thinking phase and the call is a no-op.
func (s *Stream) Thinking(step string, progress float64) error {
	s.mu.Lock()
	answered := s.answered
	s.mu.Unlock()

	if answered {
		return nil
	}
	return s.Emit(NewThinkingEvent(step, progress))
}

// Notify emits a notification event.
func (s *Stream) Notify(message string) error {
	return s.Emit(NewNotificationEvent(message))
}

// Complete terminates the stream with the accumulated delta content.
func (s *Stream) Complete(md CompleteMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStreamClosed
	}

	ev := NewCompleteEvent(s.content.String(), md)
	if err := s.send(ev); err != nil {
		return err
	}
	s.finish(ev)

	return nil
}

// Fail terminates the stream with an error event.
func (s *Stream) Fail(code, message string) error {
	return s.Emit(NewErrorEvent(code, message))
}

// Close closes the channel without a terminal event. It is a no-op once the
// stream has terminated.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Done reports whether the stream accepts no further events.
func (s *Stream) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Terminal returns the terminal event once emitted.
func (s *Stream) Terminal() (StreamEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal == nil {
		return StreamEvent{}, false
	}
	return *s.terminal, true
}

// Content returns the delta text delivered so far.
func (s *Stream) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content.String()
}

// send must be called with mu held.
func (s *Stream) send(ev StreamEvent) error {
	if err := s.ctx.Err(); err != nil {
		s.abandon()
		return err
	}

	select {
	case s.ch <- ev:
		return nil
	case <-s.ctx.Done():
		s.abandon()
		return s.ctx.Err()
	}
}

func (s *Stream) abandon() {
	s.closed = true
	close(s.ch)
}

func (s *Stream) finish(ev StreamEvent) {
	s.terminal = &ev
	s.closed = true
	close(s.ch)
}
