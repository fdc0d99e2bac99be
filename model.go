package toolflow

import "context"

// Model is the remote language model. Converse streams one assistant turn
// into ch and must close ch before returning, on success and on error.
type Model interface {
	Name() string
	Converse(ctx context.Context, req ModelRequest, ch chan<- ModelEvent) error
}

// ModelRequest is one model turn.
type ModelRequest struct {
	Messages []Message       `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
}

// ModelEventType identifies a model stream event.
type ModelEventType string

const (
	// ModelTextDelta carries an incremental text chunk.
	ModelTextDelta ModelEventType = "text-delta"
	// ModelToolCall carries one complete tool call proposal.
	ModelToolCall ModelEventType = "tool-call"
	// ModelDone marks the end of the turn and may carry usage.
	ModelDone ModelEventType = "done"
)

// ModelEvent is one event of a streamed model turn.
type ModelEvent struct {
	Type  ModelEventType `json:"type"`
	Text  string         `json:"text,omitempty"`
	Call  *RawCall       `json:"call,omitempty"`
	Usage Usage          `json:"usage,omitempty"`
}

// Usage is token accounting reported by the model.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
