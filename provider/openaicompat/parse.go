package openaicompat

import (
	"encoding/json"

	"github.com/xiaochunkun/toolflow"
)

// ParseResponse extracts content, tool calls and usage from choices[0] of
// a non-streamed response.
func ParseResponse(resp ChatResponse) (content string, calls []toolflow.RawCall, usage toolflow.Usage) {
	if resp.Usage != nil {
		usage = toolflow.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return "", nil, usage
	}
	msg := resp.Choices[0].Message
	return msg.Content, ParseToolCalls(msg.ToolCalls), usage
}

// ParseToolCalls converts tool call requests to proposals. Arguments that
// are not valid JSON are passed through as a JSON string so that intake
// validation reports them to the model instead of silently dropping them.
func ParseToolCalls(tcs []ToolCallRequest) []toolflow.RawCall {
	if len(tcs) == 0 {
		return nil
	}
	out := make([]toolflow.RawCall, 0, len(tcs))
	for _, tc := range tcs {
		out = append(out, toolflow.RawCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: rawArgs(tc.Function.Arguments),
		})
	}
	return out
}

func rawArgs(s string) json.RawMessage {
	if s == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	quoted, _ := json.Marshal(s)
	return quoted
}
