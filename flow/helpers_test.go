package flow

import (
	"context"
	"testing"

	"github.com/hupe1980/supportmesh/core"
	"github.com/hupe1980/supportmesh/model"
	"github.com/hupe1980/supportmesh/tool"
)

type stubAgent struct {
	id        string
	llm       model.Model
	tools     map[string]tool.Tool
	streaming bool
	history   int
	messages  map[string]string
}

func (a *stubAgent) ID() string                  { return a.id }
func (a *stubAgent) Model() model.Model          { return a.llm }
func (a *stubAgent) Tools() map[string]tool.Tool { return a.tools }
func (a *stubAgent) Temperature() *float64       { return nil }
func (a *stubAgent) IsStreamingEnabled() bool    { return a.streaming }
func (a *stubAgent) MaxHistoryMessages() int     { return a.history }
func (a *stubAgent) ResolveInstructions(_ *core.RunContext) (string, error) {
	return "You are " + a.id + ".", nil
}
func (a *stubAgent) ToolMessages(name string) (string, string) {
	return a.messages[name+".executing"], a.messages[name+".completed"]
}

func newRunCtx(t *testing.T, ctx context.Context, text string, maxCalls int) *core.RunContext {
	t.Helper()
	ac := core.NewAgentContext("acme", "bot-1", core.ChannelWidget, nil, nil)
	rc := core.NewRunContext(ctx, "conv-1", "turn-1", ac, core.NewTextContent("user", text), nil, core.NewStream(ctx, 256), maxCalls, nil)
	return rc.WithAgent(core.AgentInfo{ID: "support", Role: "worker"}, nil)
}

// drain closes the stream and returns what was emitted.
func drain(rc *core.RunContext) []core.StreamEvent {
	rc.Stream.Close()
	var out []core.StreamEvent
	for ev := range rc.Stream.Events() {
		out = append(out, ev)
	}
	return out
}

func toolEvents(events []core.StreamEvent) []core.ToolCallData {
	var out []core.ToolCallData
	for _, ev := range events {
		if d, ok := ev.Data.(core.ToolCallData); ok {
			out = append(out, d)
		}
	}
	return out
}

func echoTool(name string, fn tool.Func) tool.Tool {
	return tool.NewFunctionTool(name, "test tool "+name, map[string]any{"type": "object"}, fn)
}
