package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamEvent_WireShape(t *testing.T) {
	ev := NewToolCallEvent("knowledge_lookup", ToolStarted, "")
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"tool_call","data":{"toolName":"knowledge_lookup","status":"started"}}`, string(b))

	ev = NewCompleteEvent("We are open 9-5.", CompleteMetadata{ProcessingTimeMs: 12, ModelID: "mock", ToolsUsed: []string{"knowledge_lookup"}})
	b, err = json.Marshal(ev)
	require.NoError(t, err)

	var decoded StreamEvent
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, EventComplete, decoded.Type)
	cd, ok := decoded.Data.(CompleteData)
	require.True(t, ok)
	assert.Equal(t, "We are open 9-5.", cd.Content)
	assert.Equal(t, []string{"knowledge_lookup"}, cd.Metadata.ToolsUsed)
}

func TestStreamEvent_UnknownType(t *testing.T) {
	var ev StreamEvent
	assert.Error(t, json.Unmarshal([]byte(`{"type":"bogus","data":{}}`), &ev))
}

func TestNewThinkingEvent_ClampsProgress(t *testing.T) {
	assert.Equal(t, 1.0, NewThinkingEvent("x", 7).Data.(ThinkingData).Progress)
	assert.Equal(t, 0.0, NewThinkingEvent("x", -1).Data.(ThinkingData).Progress)
}
