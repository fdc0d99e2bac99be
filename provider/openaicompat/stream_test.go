package openaicompat

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/xiaochunkun/toolflow"
)

// buildSSE constructs a mock SSE stream from data lines.
func buildSSE(lines ...string) string {
	var sb strings.Builder
	for _, line := range lines {
		sb.WriteString("data: ")
		sb.WriteString(line)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func collect(t *testing.T, sse string) ([]toolflow.ModelEvent, error) {
	t.Helper()
	ch := make(chan toolflow.ModelEvent, 64)
	err := StreamSSE(context.Background(), strings.NewReader(sse), ch)
	close(ch)
	var evs []toolflow.ModelEvent
	for ev := range ch {
		evs = append(evs, ev)
	}
	return evs, err
}

func TestStreamSSE_TextChunks(t *testing.T) {
	evs, err := collect(t, buildSSE(
		`{"choices":[{"index":0,"delta":{"role":"assistant","content":""}}]}`,
		`{"choices":[{"index":0,"delta":{"content":"Hello"}}]}`,
		`{"choices":[{"index":0,"delta":{"content":" world"}}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}`,
		"[DONE]",
	))
	if err != nil {
		t.Fatalf("StreamSSE: %v", err)
	}
	if len(evs) != 3 {
		t.Fatalf("events = %+v", evs)
	}
	if evs[0].Text+evs[1].Text != "Hello world" {
		t.Errorf("text = %q", evs[0].Text+evs[1].Text)
	}
	done := evs[2]
	if done.Type != toolflow.ModelDone || done.Usage.InputTokens != 5 || done.Usage.OutputTokens != 3 {
		t.Errorf("done = %+v", done)
	}
}

func TestStreamSSE_ToolCallFragments(t *testing.T) {
	evs, err := collect(t, buildSSE(
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"c1","type":"function","function":{"name":"file_read","arguments":""}}]}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"c2","type":"function","function":{"name":"file_list","arguments":"{}"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"path\":"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"a.go\"}"}}]}}]}`,
		`{"choices":[],"usage":{"prompt_tokens":9,"completion_tokens":4}}`,
		"[DONE]",
	))
	if err != nil {
		t.Fatalf("StreamSSE: %v", err)
	}
	var calls []toolflow.RawCall
	for _, ev := range evs {
		if ev.Type == toolflow.ModelToolCall {
			calls = append(calls, *ev.Call)
		}
	}
	if len(calls) != 2 {
		t.Fatalf("calls = %+v", calls)
	}
	if calls[0].ID != "c1" || calls[0].Name != "file_read" || string(calls[0].Args) != `{"path":"a.go"}` {
		t.Errorf("first call = %+v (%s)", calls[0], calls[0].Args)
	}
	if calls[1].Name != "file_list" || string(calls[1].Args) != `{}` {
		t.Errorf("second call = %+v", calls[1])
	}
	if last := evs[len(evs)-1]; last.Type != toolflow.ModelDone || last.Usage.InputTokens != 9 {
		t.Errorf("last = %+v", last)
	}
}

func TestStreamSSE_SkipsNoise(t *testing.T) {
	sse := ": keep-alive\n\nevent: message\n" + buildSSE(
		`not json`,
		`{"choices":[{"index":0,"delta":{"content":"ok"}}]}`,
	) + "data:[DONE]\n"
	evs, err := collect(t, sse)
	if err != nil {
		t.Fatalf("StreamSSE: %v", err)
	}
	if len(evs) != 2 || evs[0].Text != "ok" {
		t.Errorf("events = %+v", evs)
	}
}

func TestStreamSSE_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ch := make(chan toolflow.ModelEvent) // nobody reads
	err := StreamSSE(ctx, strings.NewReader(buildSSE(`{"choices":[{"index":0,"delta":{"content":"x"}}]}`)), ch)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
