package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/supportmesh/core"
)

// Round is one scripted model reply: optional text and optional function
// calls. A non-nil Err makes Generate fail instead.
type Round struct {
	Text  string
	Calls []core.FunctionCall
	Err   error
}

// Responder computes the reply to a request.
type Responder func(req Request) Round

// ScriptedModel is an in-memory Model for tests and examples. It either
// replays rounds in order or asks a Responder. Text is streamed in small
// chunks as partial responses followed by the final response.
type ScriptedModel struct {
	info      Info
	chunkSize int

	mu        sync.Mutex
	rounds    []Round
	next      int
	responder Responder
	requests  []Request
}

// NewScriptedModel replays rounds in order. Once exhausted it echoes the
// last user message.
func NewScriptedModel(name string, rounds ...Round) *ScriptedModel {
	return &ScriptedModel{
		info:      Info{Name: name, Provider: "scripted", SupportsTools: true},
		chunkSize: 4,
		rounds:    rounds,
	}
}

// NewResponderModel answers each request with fn.
func NewResponderModel(name string, fn Responder) *ScriptedModel {
	m := NewScriptedModel(name)
	m.responder = fn
	return m
}

// WithChunkSize sets the rune count per streamed delta.
func (m *ScriptedModel) WithChunkSize(n int) *ScriptedModel {
	if n > 0 {
		m.chunkSize = n
	}
	return m
}

// Requests returns the requests received so far.
func (m *ScriptedModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

func (m *ScriptedModel) nextRound(req Request) Round {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)

	if m.responder != nil {
		return m.responder(req)
	}

	if m.next < len(m.rounds) {
		r := m.rounds[m.next]
		m.next++
		return r
	}

	return Round{Text: fmt.Sprintf("Mock response to: %s", LastUserText(req))}
}

// Generate implements Model.
func (m *ScriptedModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(respCh)
		defer close(errCh)

		round := m.nextRound(req)
		if round.Err != nil {
			errCh <- round.Err
			return
		}

		send := func(r Response) bool {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return false
			case respCh <- r:
				return true
			}
		}

		if req.Stream {
			for _, chunk := range chunkText(round.Text, m.chunkSize) {
				if !send(Response{Partial: true, Content: core.NewTextContent("assistant", chunk)}) {
					return
				}
			}
		}

		parts := []core.Part{}
		if round.Text != "" {
			parts = append(parts, core.TextPart{Text: round.Text})
		}
		for i, fc := range round.Calls {
			if fc.ID == "" {
				fc.ID = fmt.Sprintf("call_%d", i+1)
			}
			parts = append(parts, core.FunctionCallPart{FunctionCall: fc})
		}

		finish := "stop"
		if len(round.Calls) > 0 {
			finish = "tool_calls"
		}

		send(Response{
			Content:      core.Content{Role: "assistant", Parts: parts},
			FinishReason: finish,
		})
	}()

	return respCh, errCh
}

// Info implements Model.
func (m *ScriptedModel) Info() Info { return m.info }

// LastUserText returns the text of the last user content of req.
func LastUserText(req Request) string {
	for i := len(req.Contents) - 1; i >= 0; i-- {
		if req.Contents[i].Role == "user" {
			return req.Contents[i].Text()
		}
	}
	return ""
}

// ToolResults returns the function responses of the trailing tool contents
// of req, i.e. the results of the previous round.
func ToolResults(req Request) []core.FunctionResponse {
	var out []core.FunctionResponse
	for i := len(req.Contents) - 1; i >= 0 && req.Contents[i].Role == "tool"; i-- {
		out = append(req.Contents[i].FunctionResponses(), out...)
	}
	return out
}

// HasTool reports whether req offers the named tool.
func HasTool(req Request, name string) bool {
	for _, t := range req.Tools {
		if t.Function.Name == name {
			return true
		}
	}
	return false
}

func chunkText(s string, size int) []string {
	if s == "" {
		return nil
	}
	runes := []rune(s)
	var out []string
	for len(runes) > 0 {
		n := min(size, len(runes))
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}

