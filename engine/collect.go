package engine

import (
	"context"

	"github.com/hupe1980/supportmesh/core"
)

// Result is a drained turn.
type Result struct {
	Events   []core.StreamEvent
	Content  string
	Metadata core.CompleteMetadata
	// Error is set when the turn ended with an error event.
	Error *core.ErrorData
}

// Completed reports whether the turn ended with a complete event.
func (r *Result) Completed() bool {
	return len(r.Events) > 0 && r.Events[len(r.Events)-1].Type == core.EventComplete
}

// Collect drains events into a Result for synchronous callers. It returns
// ctx.Err() when ctx is cancelled first, with the events received so far.
func Collect(ctx context.Context, events <-chan core.StreamEvent) (*Result, error) {
	res := &Result{}

	for {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return res, nil
			}
			res.Events = append(res.Events, ev)

			switch d := ev.Data.(type) {
			case core.CompleteData:
				res.Content = d.Content
				res.Metadata = d.Metadata
			case core.ErrorData:
				res.Error = &d
			}
		}
	}
}
