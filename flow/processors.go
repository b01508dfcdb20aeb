package flow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hupe1980/supportmesh/core"
	"github.com/hupe1980/supportmesh/model"
	"github.com/hupe1980/supportmesh/tool"
)

// InstructionsProcessor handles system prompt rendering.
type InstructionsProcessor struct{}

// NewInstructionsProcessor creates a new instructions processor.
func NewInstructionsProcessor() *InstructionsProcessor { return &InstructionsProcessor{} }

// Name returns the processor's identifier.
func (p *InstructionsProcessor) Name() string { return "instructions" }

// ProcessRequest sets the rendered system prompt.
func (p *InstructionsProcessor) ProcessRequest(runCtx *core.RunContext, req *model.Request, agent FlowAgent) error {
	instructions, err := agent.ResolveInstructions(runCtx)
	if err != nil {
		return fmt.Errorf("failed to resolve instruction: %w", err)
	}

	runCtx.LogDebug("agent.instruction.resolved", "agent", agent.ID(), "length", len(instructions))
	req.Instructions = instructions

	return nil
}

// ContentsProcessor adds the bounded history window and the user message.
type ContentsProcessor struct{}

// NewContentsProcessor creates a new contents processor.
func NewContentsProcessor() *ContentsProcessor { return &ContentsProcessor{} }

// Name returns the processor's identifier.
func (p *ContentsProcessor) Name() string { return "contents" }

// ProcessRequest sets history and the new user content.
func (p *ContentsProcessor) ProcessRequest(runCtx *core.RunContext, req *model.Request, agent FlowAgent) error {
	history := runCtx.History
	if limit := agent.MaxHistoryMessages(); limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}

	contents := make([]core.Content, 0, len(history)+1)
	for _, c := range history {
		if len(c.Parts) > 0 {
			contents = append(contents, c)
		}
	}
	contents = append(contents, runCtx.UserContent)

	req.Contents = contents
	return nil
}

// HandoffProcessor tells the model which agents it may hand the turn to.
type HandoffProcessor struct{}

// NewHandoffProcessor creates a new hand-off processor.
func NewHandoffProcessor() *HandoffProcessor { return &HandoffProcessor{} }

// Name returns the processor's identifier.
func (p *HandoffProcessor) Name() string { return "handoff" }

// ProcessRequest appends hand-off guidance to the instructions.
func (p *HandoffProcessor) ProcessRequest(runCtx *core.RunContext, req *model.Request, _ FlowAgent) error {
	if len(runCtx.Targets) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString(req.Instructions)
	if b.Len() > 0 {
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "If another agent is better suited, call %s with one of: %s. Otherwise answer directly.",
		tool.TransferToolName, strings.Join(runCtx.Targets, ", "))

	req.Instructions = b.String()
	return nil
}

// toolDefinitions renders tools for the model, sorted by name.
func toolDefinitions(tools map[string]tool.Tool) []model.ToolDefinition {
	if len(tools) == 0 {
		return nil
	}

	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]model.ToolDefinition, 0, len(names))
	for _, name := range names {
		t := tools[name]
		defs = append(defs, model.ToolDefinition{
			Type: "function",
			Function: model.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}
