package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/xiaochunkun/toolflow"
)

// Provider implements toolflow.Model for any OpenAI-compatible API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	opts    []Option
	stream  bool
	logger  *slog.Logger
}

// New creates an OpenAI-compatible model.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "http://localhost:11434/v1"); /chat/completions is appended.
func New(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		name:    "openai",
		stream:  true,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.New(slog.DiscardHandler)
	}
	return p
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.name }

// Model returns the model identifier sent with each request.
func (p *Provider) Model() string { return p.model }

// Converse sends one turn and forwards the reply to ch, closing ch when
// done. Non-2xx responses become *toolflow.ErrHTTP with Retry-After
// parsed; network failures are marked transient.
func (p *Provider) Converse(ctx context.Context, req toolflow.ModelRequest, ch chan<- toolflow.ModelEvent) error {
	defer close(ch)

	body := BuildBody(req.Messages, req.Tools, p.model, p.opts...)
	if p.stream {
		body.Stream = true
		body.StreamOptions = &StreamOptions{IncludeUsage: true}
	}

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return p.httpErr(resp)
	}
	p.logger.Debug("model response", "provider", p.name, "model", p.model, "stream", p.stream)

	if p.stream {
		return StreamSSE(ctx, resp.Body, ch)
	}
	return p.emitResponse(ctx, resp.Body, ch)
}

// emitResponse decodes a non-streamed response and replays it as events.
func (p *Provider) emitResponse(ctx context.Context, r io.Reader, ch chan<- toolflow.ModelEvent) error {
	var chatResp ChatResponse
	if err := json.NewDecoder(r).Decode(&chatResp); err != nil {
		return &toolflow.ErrLLM{Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	content, calls, usage := ParseResponse(chatResp)

	events := make([]toolflow.ModelEvent, 0, len(calls)+2)
	if content != "" {
		events = append(events, toolflow.ModelEvent{Type: toolflow.ModelTextDelta, Text: content})
	}
	for i := range calls {
		events = append(events, toolflow.ModelEvent{Type: toolflow.ModelToolCall, Call: &calls[i]})
	}
	events = append(events, toolflow.ModelEvent{Type: toolflow.ModelDone, Usage: usage})
	for _, ev := range events {
		select {
		case ch <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// sendHTTP marshals the body and posts it to the chat completions endpoint.
func (p *Provider) sendHTTP(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &toolflow.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, &toolflow.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, toolflow.Transient(fmt.Errorf("%s: %w", p.name, err))
	}
	return resp, nil
}

// httpErr reads the response body into an ErrHTTP for the retry policy.
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	p.logger.Warn("model request failed", "provider", p.name, "status", resp.StatusCode)
	return &toolflow.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: toolflow.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

var _ toolflow.Model = (*Provider)(nil)
