package bedrock

import (
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/supportmesh/core"
	"github.com/hupe1980/supportmesh/model"
)

func TestBuildInput_MergesToolResultsIntoUserTurn(t *testing.T) {
	m := NewModelFromClient(nil)

	input := m.buildInput(model.Request{
		Instructions: "sys",
		Contents: []core.Content{
			core.NewTextContent("user", "hi"),
			{Role: "assistant", Parts: []core.Part{
				core.FunctionCallPart{FunctionCall: core.FunctionCall{ID: "1", Name: "a", Arguments: `{"x":1}`}},
				core.FunctionCallPart{FunctionCall: core.FunctionCall{ID: "2", Name: "b"}},
			}},
			{Role: "tool", Parts: []core.Part{core.FunctionResponsePart{FunctionResponse: core.FunctionResponse{ID: "1", Name: "a", Response: "ok"}}}},
			{Role: "tool", Parts: []core.Part{core.FunctionResponsePart{FunctionResponse: core.FunctionResponse{ID: "2", Name: "b", Error: "bad"}}}},
		},
	})

	require.Len(t, input.System, 1)
	require.Len(t, input.Messages, 3)
	assert.Equal(t, types.ConversationRoleAssistant, input.Messages[1].Role)
	assert.Equal(t, types.ConversationRoleUser, input.Messages[2].Role)
	require.Len(t, input.Messages[2].Content, 2)

	second, ok := input.Messages[2].Content[1].(*types.ContentBlockMemberToolResult)
	require.True(t, ok)
	assert.Equal(t, types.ToolResultStatusError, second.Value.Status)
}

func TestFromConverseOutput(t *testing.T) {
	out := fromConverseOutput(&bedrockruntime.ConverseOutput{
		Output: &types.ConverseOutputMemberMessage{Value: types.Message{
			Role: types.ConversationRoleAssistant,
			Content: []types.ContentBlock{
				&types.ContentBlockMemberText{Value: "hello"},
			},
		}},
		StopReason: types.StopReasonEndTurn,
		Usage:      &types.TokenUsage{InputTokens: aws.Int32(3), OutputTokens: aws.Int32(2)},
	})

	assert.Equal(t, "hello", out.Content.Text())
	assert.Equal(t, "stop", out.FinishReason)
	require.NotNil(t, out.Usage)
	assert.Equal(t, 5, out.Usage.TotalTokens)
}

func TestMapError(t *testing.T) {
	err := mapError(&smithy.GenericAPIError{Code: "ServiceUnavailableException", Message: "down"})
	assert.ErrorIs(t, err, core.ErrModelUnavailable)

	err = mapError(errors.New("validation"))
	assert.NotErrorIs(t, err, core.ErrModelUnavailable)
}

func TestFinishReason(t *testing.T) {
	assert.Equal(t, "tool_calls", finishReason(types.StopReasonToolUse))
	assert.Equal(t, "length", finishReason(types.StopReasonMaxTokens))
	assert.Equal(t, "stop", finishReason(""))
}
