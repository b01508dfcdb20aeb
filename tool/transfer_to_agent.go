package tool

import (
	"errors"
	"fmt"
	"slices"

	"github.com/hupe1980/supportmesh/core"
)

// TransferToolName is the name of the hand-off tool.
const TransferToolName = "transfer_to_agent"

// transferToAgentTool requests a hand-off of the turn to another agent.
type transferToAgentTool struct {
	targets []string
}

// NewTransferToAgentTool constructs the hand-off tool offering targets.
func NewTransferToAgentTool(targets []string) Tool {
	return &transferToAgentTool{targets: slices.Clone(targets)}
}

func (t *transferToAgentTool) Name() string { return TransferToolName }

func (t *transferToAgentTool) Description() string {
	return "Hand the conversation to a specialist agent better suited to answer. Use only one of the listed agents."
}

func (t *transferToAgentTool) Parameters() map[string]any {
	agent := map[string]any{"type": "string", "description": "Target agent id"}
	if len(t.targets) > 0 {
		agent["enum"] = t.targets
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"agent":  agent,
			"reason": map[string]any{"type": "string", "description": "Why the specialist is needed"},
		},
		"required": []string{"agent"},
	}
}

func (t *transferToAgentTool) ExecutingMessage() string { return "Finding the right specialist" }
func (t *transferToAgentTool) CompletedMessage() string { return "" }

func (t *transferToAgentTool) Call(tc *core.ToolContext, args map[string]any) (any, error) {
	agentID, _ := args["agent"].(string)
	if agentID == "" {
		return NewFailure(CodeValidation, "field 'agent' must be a non-empty string", true), nil
	}

	if err := tc.TransferToAgent(agentID); err != nil {
		msg := fmt.Sprintf("transfer to %q rejected, answer the customer directly", agentID)
		if errors.Is(err, core.ErrHandoffLimit) {
			msg = "no further transfers are allowed in this turn, answer the customer directly"
		}
		return NewFailure(CodeRejected, msg, false), nil
	}

	return map[string]any{"transferred": true, "agent": agentID}, nil
}
