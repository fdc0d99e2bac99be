package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/xiaochunkun/toolflow"
)

// StreamSSE reads a chat completions SSE stream from body and forwards it
// to ch: text deltas as they arrive, then one event per completed tool
// call, then a done event with usage. It does not close ch.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}
//	data: [DONE]
func StreamSSE(ctx context.Context, body io.Reader, ch chan<- toolflow.ModelEvent) error {
	send := func(ev toolflow.ModelEvent) error {
		select {
		case ch <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	// Tool calls arrive as fragments keyed by index; arguments are
	// concatenated across chunks.
	type partialCall struct {
		id, name string
		args     strings.Builder
	}
	var (
		calls []*partialCall
		usage toolflow.Usage
	)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk ChatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta == nil {
			continue
		}
		delta := chunk.Choices[0].Delta

		if delta.Content != "" {
			if err := send(toolflow.ModelEvent{Type: toolflow.ModelTextDelta, Text: delta.Content}); err != nil {
				return err
			}
		}
		for _, tc := range delta.ToolCalls {
			for len(calls) <= tc.Index {
				calls = append(calls, &partialCall{})
			}
			pc := calls[tc.Index]
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			pc.args.WriteString(tc.Function.Arguments)
		}
	}
	if err := scanner.Err(); err != nil {
		return toolflow.Transient(err)
	}

	for _, pc := range calls {
		if pc.name == "" {
			continue
		}
		call := toolflow.RawCall{ID: pc.id, Name: pc.name, Args: rawArgs(pc.args.String())}
		if err := send(toolflow.ModelEvent{Type: toolflow.ModelToolCall, Call: &call}); err != nil {
			return err
		}
	}
	return send(toolflow.ModelEvent{Type: toolflow.ModelDone, Usage: usage})
}
