package openaicompat

import (
	"encoding/json"

	"github.com/xiaochunkun/toolflow"
)

// BuildBody converts a toolflow conversation into a chat completions
// request. Options set generation parameters.
func BuildBody(messages []toolflow.Message, tools []toolflow.ToolDefinition, model string, opts ...Option) ChatRequest {
	msgs := make([]Message, 0, len(messages))
	for _, m := range messages {
		switch {
		case m.Role == toolflow.RoleAssistant && len(m.ToolCalls) > 0:
			tcs := make([]ToolCallRequest, 0, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				args := string(tc.Args)
				if args == "" {
					args = "{}"
				}
				tcs = append(tcs, ToolCallRequest{
					Index:    i,
					ID:       tc.ID,
					Type:     "function",
					Function: FunctionCall{Name: tc.Name, Arguments: args},
				})
			}
			msg := Message{Role: toolflow.RoleAssistant, ToolCalls: tcs}
			if m.Content != "" {
				msg.Content = text(m.Content)
			}
			msgs = append(msgs, msg)

		case m.Role == toolflow.RoleTool:
			msgs = append(msgs, Message{
				Role:       toolflow.RoleTool,
				Content:    text(m.Content),
				ToolCallID: m.ToolCallID,
			})

		default:
			msgs = append(msgs, Message{Role: m.Role, Content: text(m.Content)})
		}
	}

	req := ChatRequest{Model: model, Messages: msgs}
	if len(tools) > 0 {
		req.Tools = BuildToolDefs(tools)
	}
	for _, opt := range opts {
		opt(&req)
	}
	return req
}

// BuildToolDefs converts tool definitions to the function tool format.
func BuildToolDefs(tools []toolflow.ToolDefinition) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, Tool{
			Type: "function",
			Function: Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

func text(s string) *string { return &s }
