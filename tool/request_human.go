package tool

import "github.com/hupe1980/supportmesh/core"

// RequestHumanToolName is the name of the explicit escalation tool.
const RequestHumanToolName = "request_human"

// NewRequestHumanTool returns a tool the model calls when the customer asks
// for a human or the agent cannot help.
func NewRequestHumanTool() Tool {
	return NewFunctionTool(
		RequestHumanToolName,
		"Escalate the conversation to a human support agent.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason": map[string]any{"type": "string", "description": "Short reason for the escalation"},
			},
		},
		func(tc *core.ToolContext, args map[string]any) (any, error) {
			reason, _ := args["reason"].(string)
			if reason == "" {
				reason = "requested by agent"
			}
			tc.Escalate(reason)
			return map[string]any{"escalated": true, "message": "A human agent will follow up."}, nil
		},
		WithMessages("Contacting a human agent", "A human agent has been notified"),
	)
}
