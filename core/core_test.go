package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/supportmesh/logging"
)

func newRunContextForTest(t *testing.T) *RunContext {
	t.Helper()
	ac := NewAgentContext("acme", "bot-1", ChannelWidget, map[string]string{"hours": "9-5"}, map[string]string{"api_key": "s3cr3t"})
	stream := NewStream(context.Background(), 32)
	return NewRunContext(context.Background(), "conv-1", "turn-1", ac, NewTextContent("user", "hi"), nil, stream, 3, nil)
}

func TestScopedLogger_NilFallsBackToNoOp(t *testing.T) {
	l := newScopedLogger(nil, "function_call_id", "call-1")
	assert.Equal(t, logging.NoOpLogger{}, l.Logger())
	l.LogInfo("noop")
}

func TestMessage_ModelContent(t *testing.T) {
	m := NewMessage("conv-1", RoleAssistant, MessageText, "We open at nine.")

	c := m.ModelContent()
	assert.Equal(t, "assistant", c.Role)
	assert.Equal(t, "We open at nine.", c.Text())
	assert.Equal(t, "We open at nine.", m.Content)
}

func TestModelLimiter(t *testing.T) {
	l := NewModelLimiter(2)
	require.NoError(t, l.Increment())
	require.NoError(t, l.Increment())
	err := l.Increment()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrModelCallLimit)
	assert.Equal(t, 3, l.Count())

	unlimited := NewModelLimiter(0)
	assert.Equal(t, -1, unlimited.Remaining())
}

func TestRunContext_WithAgentSharesTurnState(t *testing.T) {
	rc := newRunContextForTest(t)
	worker := rc.WithAgent(AgentInfo{ID: "billing", Role: "worker"}, nil)

	worker.Turn.RecordTool("lookup")
	rc.Turn.RecordTool("lookup")
	rc.Turn.RecordHandoff("billing")

	s := rc.Turn.Summary()
	assert.Equal(t, []string{"lookup"}, s.ToolsUsed)
	assert.Equal(t, []string{"billing"}, s.Handoffs)
	assert.Same(t, rc.Stream, worker.Stream)
	assert.Equal(t, "", rc.Agent.ID)
	assert.Equal(t, "billing", worker.Agent.ID)
}

func TestToolContext_TransferToAgent(t *testing.T) {
	rc := newRunContextForTest(t)

	t.Run("rejected without handoff func", func(t *testing.T) {
		tc := NewToolContext(rc, "fc-1")
		err := tc.TransferToAgent("billing")
		assert.ErrorIs(t, err, ErrHandoffRejected)
		assert.Nil(t, tc.Actions().TransferToAgent)
	})

	t.Run("accepted", func(t *testing.T) {
		var got string
		agentRC := rc.WithAgent(AgentInfo{ID: "sup"}, func(target string) error {
			got = target
			return nil
		})
		tc := NewToolContext(agentRC, "fc-2")
		require.NoError(t, tc.TransferToAgent("billing"))
		require.NotNil(t, tc.Actions().TransferToAgent)
		assert.Equal(t, "billing", *tc.Actions().TransferToAgent)
		assert.Equal(t, "billing", got)
	})

	t.Run("validator error propagates", func(t *testing.T) {
		agentRC := rc.WithAgent(AgentInfo{ID: "sup"}, func(string) error { return ErrHandoffLimit })
		tc := NewToolContext(agentRC, "fc-3")
		assert.ErrorIs(t, tc.TransferToAgent("tech"), ErrHandoffLimit)
		assert.Nil(t, tc.Actions().TransferToAgent)
	})
}

func TestToolContext_EscalateAndCite(t *testing.T) {
	rc := newRunContextForTest(t)
	tc := NewToolContext(rc, "fc-1")

	tc.Escalate("customer asked for a human")
	tc.CiteSources(Source{ID: "kb-1"}, Source{ID: "kb-1"}, Source{ID: "kb-2"})

	assert.True(t, tc.Actions().Escalate)
	s := rc.Turn.Summary()
	assert.Equal(t, []string{"customer asked for a human"}, s.EscalationRequests)
	assert.Len(t, s.Sources, 2)
	v, ok := tc.AgentContext().Variable("hours")
	assert.True(t, ok)
	assert.Equal(t, "9-5", v)
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, CodeModelUnavailable, ErrorCode(ErrModelUnavailable))
	assert.Equal(t, CodeCancelled, ErrorCode(context.Canceled))
	assert.Equal(t, CodeDispatchError, ErrorCode(NewEngineError(CodeDispatchError, "bad", nil)))
	assert.Equal(t, CodeInternal, ErrorCode(assert.AnError))
}
