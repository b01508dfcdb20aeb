// Package bedrock provides a model.Model backed by the AWS Bedrock Converse
// API, including streaming and tool use.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/hupe1980/supportmesh/core"
	"github.com/hupe1980/supportmesh/model"
)

// ConverseAPI is the subset of the Bedrock runtime client used by Model.
type ConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// Options configures the Bedrock adapter.
type Options struct {
	ModelID     string
	Region      string
	Temperature float64
	MaxTokens   int32
}

// Model adapts the Converse API to model.Model.
type Model struct {
	client ConverseAPI
	opts   Options
}

func defaultOptions() Options {
	return Options{
		ModelID:     "anthropic.claude-3-5-sonnet-20241022-v2:0",
		Region:      "us-east-1",
		Temperature: 0.7,
		MaxTokens:   4096,
	}
}

// NewModel creates a model using the default AWS credential chain.
func NewModel(ctx context.Context, optFns ...func(o *Options)) (*Model, error) {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &Model{client: bedrockruntime.NewFromConfig(cfg), opts: opts}, nil
}

// NewModelFromClient creates a model from an existing client.
func NewModelFromClient(client ConverseAPI, optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Model{client: client, opts: opts}
}

// Info implements model.Model.
func (m *Model) Info() model.Info {
	return model.Info{Name: m.opts.ModelID, Provider: "bedrock", SupportsTools: true}
}

// Generate implements model.Model.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		input := m.buildInput(req)

		var (
			resp model.Response
			err  error
		)
		if req.Stream {
			resp, err = m.stream(ctx, input, out)
		} else {
			var output *bedrockruntime.ConverseOutput
			output, err = m.client.Converse(ctx, input)
			if err == nil {
				resp = fromConverseOutput(output)
			}
		}
		if err != nil {
			errCh <- mapError(err)
			return
		}

		select {
		case out <- resp:
		case <-ctx.Done():
			errCh <- ctx.Err()
		}
	}()

	return out, errCh
}

type toolBuffer struct {
	id, name string
	input    strings.Builder
}

func (m *Model) stream(ctx context.Context, input *bedrockruntime.ConverseInput, out chan<- model.Response) (model.Response, error) {
	output, err := m.client.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
		ModelId:         input.ModelId,
		Messages:        input.Messages,
		System:          input.System,
		InferenceConfig: input.InferenceConfig,
		ToolConfig:      input.ToolConfig,
	})
	if err != nil {
		return model.Response{}, err
	}

	stream := output.GetStream()
	defer stream.Close()

	var (
		text   strings.Builder
		tools  = map[int32]*toolBuffer{}
		finish = "stop"
		usage  *model.TokenUsage
	)

	for evt := range stream.Events() {
		switch e := evt.(type) {
		case *types.ConverseStreamOutputMemberContentBlockStart:
			if start, ok := e.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
				tools[aws.ToInt32(e.Value.ContentBlockIndex)] = &toolBuffer{
					id:   aws.ToString(start.Value.ToolUseId),
					name: aws.ToString(start.Value.Name),
				}
			}
		case *types.ConverseStreamOutputMemberContentBlockDelta:
			switch d := e.Value.Delta.(type) {
			case *types.ContentBlockDeltaMemberText:
				if d.Value == "" {
					continue
				}
				text.WriteString(d.Value)
				select {
				case out <- model.Response{Partial: true, Content: core.NewTextContent("assistant", d.Value)}:
				case <-ctx.Done():
					return model.Response{}, ctx.Err()
				}
			case *types.ContentBlockDeltaMemberToolUse:
				if tb := tools[aws.ToInt32(e.Value.ContentBlockIndex)]; tb != nil {
					tb.input.WriteString(aws.ToString(d.Value.Input))
				}
			}
		case *types.ConverseStreamOutputMemberMessageStop:
			finish = finishReason(e.Value.StopReason)
		case *types.ConverseStreamOutputMemberMetadata:
			usage = toUsage(e.Value.Usage)
		}
	}

	if err := stream.Err(); err != nil {
		return model.Response{}, err
	}

	indexes := make([]int32, 0, len(tools))
	for idx := range tools {
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	var parts []core.Part
	if text.Len() > 0 {
		parts = append(parts, core.TextPart{Text: text.String()})
	}
	for _, idx := range indexes {
		tb := tools[idx]
		args := tb.input.String()
		if args == "" {
			args = "{}"
		}
		parts = append(parts, core.FunctionCallPart{FunctionCall: core.FunctionCall{ID: tb.id, Name: tb.name, Arguments: args}})
	}

	return model.Response{
		Content:      core.Content{Role: "assistant", Parts: parts},
		FinishReason: finish,
		Usage:        usage,
	}, nil
}

func (m *Model) buildInput(req model.Request) *bedrockruntime.ConverseInput {
	temperature := m.opts.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(m.opts.ModelID),
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens:   aws.Int32(m.opts.MaxTokens),
			Temperature: aws.Float32(float32(temperature)),
		},
	}

	if req.Instructions != "" {
		input.System = append(input.System, &types.SystemContentBlockMemberText{Value: req.Instructions})
	}

	for _, c := range req.Contents {
		if c.Role == "system" {
			if text := c.Text(); text != "" {
				input.System = append(input.System, &types.SystemContentBlockMemberText{Value: text})
			}
			continue
		}
		msg := toMessage(c)
		if msg == nil {
			continue
		}
		// Bedrock requires alternating roles; merge consecutive same role turns.
		if n := len(input.Messages); n > 0 && input.Messages[n-1].Role == msg.Role {
			input.Messages[n-1].Content = append(input.Messages[n-1].Content, msg.Content...)
			continue
		}
		input.Messages = append(input.Messages, *msg)
	}

	if len(req.Tools) > 0 {
		input.ToolConfig = toToolConfig(req.Tools)
	}

	return input
}

func toMessage(c core.Content) *types.Message {
	msg := &types.Message{}

	switch c.Role {
	case "tool":
		msg.Role = types.ConversationRoleUser
		for _, fr := range c.FunctionResponses() {
			block := types.ToolResultBlock{
				ToolUseId: aws.String(fr.ID),
				Content: []types.ToolResultContentBlock{
					&types.ToolResultContentBlockMemberText{Value: model.FunctionResponseText(fr)},
				},
			}
			if fr.Error != "" {
				block.Status = types.ToolResultStatusError
			}
			msg.Content = append(msg.Content, &types.ContentBlockMemberToolResult{Value: block})
		}
	case "assistant":
		msg.Role = types.ConversationRoleAssistant
		if text := c.Text(); text != "" {
			msg.Content = append(msg.Content, &types.ContentBlockMemberText{Value: text})
		}
		for _, fc := range c.FunctionCalls() {
			input := map[string]any{}
			if fc.Arguments != "" {
				_ = json.Unmarshal([]byte(fc.Arguments), &input)
			}
			msg.Content = append(msg.Content, &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
				ToolUseId: aws.String(fc.ID),
				Name:      aws.String(fc.Name),
				Input:     document.NewLazyDocument(input),
			}})
		}
	default:
		msg.Role = types.ConversationRoleUser
		if text := c.Text(); text != "" {
			msg.Content = append(msg.Content, &types.ContentBlockMemberText{Value: text})
		}
	}

	if len(msg.Content) == 0 {
		return nil
	}
	return msg
}

func toToolConfig(tools []model.ToolDefinition) *types.ToolConfiguration {
	var out []types.Tool
	for _, t := range tools {
		schema := t.Function.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		out = append(out, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(t.Function.Name),
				Description: aws.String(t.Function.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			},
		})
	}
	return &types.ToolConfiguration{Tools: out}
}

func fromConverseOutput(output *bedrockruntime.ConverseOutput) model.Response {
	var parts []core.Part

	if msg, ok := output.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch b := block.(type) {
			case *types.ContentBlockMemberText:
				if b.Value != "" {
					parts = append(parts, core.TextPart{Text: b.Value})
				}
			case *types.ContentBlockMemberToolUse:
				parts = append(parts, core.FunctionCallPart{FunctionCall: core.FunctionCall{
					ID:        aws.ToString(b.Value.ToolUseId),
					Name:      aws.ToString(b.Value.Name),
					Arguments: marshalDocument(b.Value.Input),
				}})
			}
		}
	}

	return model.Response{
		Content:      core.Content{Role: "assistant", Parts: parts},
		FinishReason: finishReason(output.StopReason),
		Usage:        toUsage(output.Usage),
	}
}

func marshalDocument(doc document.Interface) string {
	if doc == nil {
		return "{}"
	}
	var v any
	if err := doc.UnmarshalSmithyDocument(&v); err != nil {
		return "{}"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func finishReason(r types.StopReason) string {
	switch r {
	case types.StopReasonToolUse:
		return "tool_calls"
	case types.StopReasonMaxTokens:
		return "length"
	case "", types.StopReasonEndTurn, types.StopReasonStopSequence:
		return "stop"
	default:
		return string(r)
	}
}

func toUsage(u *types.TokenUsage) *model.TokenUsage {
	if u == nil {
		return nil
	}
	in, out := int(aws.ToInt32(u.InputTokens)), int(aws.ToInt32(u.OutputTokens))
	return &model.TokenUsage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
}

// mapError marks provider side outages as model unavailability.
func mapError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ModelNotReadyException", "ServiceUnavailableException", "InternalServerException", "ThrottlingException":
			return fmt.Errorf("%w: bedrock: %w", core.ErrModelUnavailable, err)
		}
	}
	return fmt.Errorf("bedrock: %w", err)
}
