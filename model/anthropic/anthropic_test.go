package anthropic

import (
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/supportmesh/core"
	"github.com/hupe1980/supportmesh/model"
)

func TestBuildMessages_ToolResultsFollowToolUse(t *testing.T) {
	contents := []core.Content{
		core.NewTextContent("system", "ignored here"),
		core.NewTextContent("user", "where is my order?"),
		{Role: "assistant", Parts: []core.Part{
			core.FunctionCallPart{FunctionCall: core.FunctionCall{ID: "t1", Name: "lookup", Arguments: `{"id":"42"}`}},
			core.FunctionCallPart{FunctionCall: core.FunctionCall{ID: "t2", Name: "kb", Arguments: `{}`}},
		}},
		{Role: "tool", Parts: []core.Part{core.FunctionResponsePart{FunctionResponse: core.FunctionResponse{ID: "t1", Name: "lookup", Response: map[string]string{"status": "shipped"}}}}},
		{Role: "tool", Parts: []core.Part{core.FunctionResponsePart{FunctionResponse: core.FunctionResponse{ID: "t2", Name: "kb", Error: "boom"}}}},
	}

	msgs := buildMessages(contents)
	require.Len(t, msgs, 3)

	assert.Equal(t, anthropic.MessageParamRoleUser, msgs[0].Role)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, msgs[1].Role)
	require.Len(t, msgs[1].Content, 2)
	assert.NotNil(t, msgs[1].Content[0].OfToolUse)

	results := msgs[2]
	assert.Equal(t, anthropic.MessageParamRoleUser, results.Role)
	require.Len(t, results.Content, 2)
	require.NotNil(t, results.Content[0].OfToolResult)
	assert.Equal(t, "t1", results.Content[0].OfToolResult.ToolUseID)
	require.NotNil(t, results.Content[1].OfToolResult)
	assert.True(t, results.Content[1].OfToolResult.IsError.Value)
}

func TestBuildParams_InstructionsAndTemperature(t *testing.T) {
	m := NewModelFromClient(nil)
	temp := 0.1

	params := m.buildParams(model.Request{
		Instructions: "be brief",
		Contents:     []core.Content{core.NewTextContent("user", "hi")},
		Temperature:  &temp,
		Tools: []model.ToolDefinition{{Type: "function", Function: model.FunctionDefinition{
			Name:        "lookup",
			Description: "Look up an order",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"id": map[string]any{"type": "string"}},
				"required":   []any{"id"},
			},
		}}},
	})

	require.Len(t, params.System, 1)
	assert.Equal(t, "be brief", params.System[0].Text)
	assert.InDelta(t, 0.1, params.Temperature.Value, 1e-9)
	require.Len(t, params.Tools, 1)
	require.NotNil(t, params.Tools[0].OfTool)
	assert.Equal(t, "lookup", params.Tools[0].OfTool.Name)
	assert.Equal(t, []string{"id"}, params.Tools[0].OfTool.InputSchema.Required)
}

func TestInfo(t *testing.T) {
	info := NewModelFromClient(nil).Info()
	assert.Equal(t, "anthropic", info.Provider)
	assert.True(t, info.SupportsTools)
}
