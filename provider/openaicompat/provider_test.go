package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/xiaochunkun/toolflow"
)

func converse(t *testing.T, p *Provider, req toolflow.ModelRequest) ([]toolflow.ModelEvent, error) {
	t.Helper()
	ch := make(chan toolflow.ModelEvent)
	errc := make(chan error, 1)
	go func() { errc <- p.Converse(context.Background(), req, ch) }()
	var evs []toolflow.ModelEvent
	for ev := range ch {
		evs = append(evs, ev)
	}
	return evs, <-errc
}

func TestProvider_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("auth = %q", r.Header.Get("Authorization"))
		}
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !req.Stream || req.StreamOptions == nil || !req.StreamOptions.IncludeUsage {
			t.Errorf("stream flags = %v, %+v", req.Stream, req.StreamOptions)
		}
		if len(req.Tools) != 1 || req.Tools[0].Function.Name != "file_read" {
			t.Errorf("tools = %+v", req.Tools)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, buildSSE(
			`{"choices":[{"index":0,"delta":{"content":"Reading."}}]}`,
			`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"c1","function":{"name":"file_read","arguments":"{\"path\":\"a.go\"}"}}]}}]}`,
			`{"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":6}}`,
			"[DONE]",
		))
	}))
	defer srv.Close()

	p := New("test-key", "gpt-4o-mini", srv.URL+"/")
	evs, err := converse(t, p, toolflow.ModelRequest{
		Messages: []toolflow.Message{{Role: toolflow.RoleUser, Content: "hi"}},
		Tools:    []toolflow.ToolDefinition{{Name: "file_read"}},
	})
	if err != nil {
		t.Fatalf("Converse: %v", err)
	}
	if len(evs) != 3 {
		t.Fatalf("events = %+v", evs)
	}
	if evs[0].Text != "Reading." || evs[1].Call == nil || evs[1].Call.ID != "c1" {
		t.Errorf("events = %+v", evs)
	}
	if evs[2].Usage.InputTokens != 12 {
		t.Errorf("usage = %+v", evs[2].Usage)
	}
}

func TestProvider_NonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Stream || req.MaxTokens != 100 {
			t.Errorf("stream = %v, max_tokens = %d", req.Stream, req.MaxTokens)
		}
		if r.Header.Get("Authorization") != "" {
			t.Errorf("unexpected auth header %q", r.Header.Get("Authorization"))
		}
		_ = json.NewEncoder(w).Encode(ChatResponse{
			Choices: []Choice{{Message: &ChoiceMessage{
				Content:   "",
				ToolCalls: []ToolCallRequest{{ID: "c9", Function: FunctionCall{Name: "shell_exec", Arguments: `{"command":"ls"}`}}},
			}}},
			Usage: &Usage{PromptTokens: 3, CompletionTokens: 1},
		})
	}))
	defer srv.Close()

	p := New("", "llama3.1", srv.URL, WithStreaming(false), WithName("ollama"), WithOptions(WithMaxTokens(100)))
	if p.Name() != "ollama" || p.Model() != "llama3.1" {
		t.Errorf("Name = %q, Model = %q", p.Name(), p.Model())
	}
	evs, err := converse(t, p, toolflow.ModelRequest{})
	if err != nil {
		t.Fatalf("Converse: %v", err)
	}
	if len(evs) != 2 || evs[0].Call == nil || evs[0].Call.Name != "shell_exec" || evs[1].Type != toolflow.ModelDone {
		t.Errorf("events = %+v", evs)
	}
}

func TestProvider_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":"rate limited"}`)
	}))
	defer srv.Close()

	_, err := converse(t, New("k", "m", srv.URL), toolflow.ModelRequest{})
	var httpErr *toolflow.ErrHTTP
	if !errors.As(err, &httpErr) {
		t.Fatalf("err = %v, want ErrHTTP", err)
	}
	if httpErr.Status != 429 || httpErr.RetryAfter != 2*time.Second || httpErr.Body != `{"error":"rate limited"}` {
		t.Errorf("ErrHTTP = %+v", httpErr)
	}
	if !toolflow.IsTransient(err) {
		t.Error("429 should be transient")
	}
}

func TestProvider_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := converse(t, New("k", "m", url), toolflow.ModelRequest{})
	if err == nil || !toolflow.IsTransient(err) {
		t.Errorf("err = %v, want transient", err)
	}
}

func TestProvider_BadJSONIsLLMError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "not json")
	}))
	defer srv.Close()

	_, err := converse(t, New("k", "m", srv.URL, WithStreaming(false)), toolflow.ModelRequest{})
	var llmErr *toolflow.ErrLLM
	if !errors.As(err, &llmErr) || llmErr.Provider != "openai" {
		t.Errorf("err = %v, want ErrLLM", err)
	}
}
