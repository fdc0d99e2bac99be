package toolflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// ApprovalClass says whether a tool needs human consent before it runs.
type ApprovalClass string

const (
	// ApprovalNone tools never consult the gate.
	ApprovalNone ApprovalClass = "none"
	// ApprovalEdit covers tools that modify workspace files.
	ApprovalEdit ApprovalClass = "edit"
	// ApprovalDangerous covers destructive tools (deletes, overwrites outside edits).
	ApprovalDangerous ApprovalClass = "dangerous"
	// ApprovalTerminal covers arbitrary command execution.
	ApprovalTerminal ApprovalClass = "terminal"
)

// Gated reports whether calls of this class must pass the approval gate
// before execution. The empty class counts as none.
func (c ApprovalClass) Gated() bool {
	return c != "" && c != ApprovalNone
}

// CallStatus is the lifecycle state of one tool call.
type CallStatus string

const (
	StatusProposed         CallStatus = "proposed"
	StatusAwaitingApproval CallStatus = "awaiting_approval"
	StatusRunning          CallStatus = "running"
	StatusSucceeded        CallStatus = "succeeded"
	StatusFailed           CallStatus = "failed"
	StatusRejected         CallStatus = "rejected"
	StatusAborted          CallStatus = "aborted"
)

// Terminal reports whether s is a final state.
func (s CallStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusRejected, StatusAborted:
		return true
	}
	return false
}

// CanTransition reports whether a call in state s may move to next.
// Transitions only move forward: proposed, awaiting_approval, running, then
// a terminal state. Any non-terminal state may be aborted; only proposed and
// awaiting_approval may be rejected.
func (s CallStatus) CanTransition(next CallStatus) bool {
	if s.Terminal() || s == next {
		return false
	}
	switch next {
	case StatusAwaitingApproval:
		return s == StatusProposed
	case StatusRunning:
		return s == StatusProposed || s == StatusAwaitingApproval
	case StatusSucceeded, StatusFailed:
		// Validation failures never reach running.
		return s == StatusRunning || (next == StatusFailed && s == StatusProposed)
	case StatusRejected:
		return s == StatusProposed || s == StatusAwaitingApproval
	case StatusAborted:
		return true
	}
	return false
}

// ToolCall is a validated tool call proposal. It is created once at batch
// intake and never mutated afterwards; accessor methods return copies.
// Args shares its backing array with every copy of the call and must be
// treated as read-only.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`

	targets []string
	args    map[string]any
	index   int
}

// Targets returns the cleaned target paths extracted from the arguments.
func (c ToolCall) Targets() []string {
	return append([]string(nil), c.targets...)
}

// Arg returns a decoded argument value. Objects and arrays are deep copies.
func (c ToolCall) Arg(key string) (any, bool) {
	v, ok := c.args[key]
	return cloneValue(v), ok
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(v))
		for k, e := range v {
			m[k] = cloneValue(e)
		}
		return m
	case []any:
		s := make([]any, len(v))
		for i, e := range v {
			s[i] = cloneValue(e)
		}
		return s
	}
	return v
}

// StringArg returns a string argument or "" if absent or not a string.
func (c ToolCall) StringArg(key string) string {
	s, _ := c.args[key].(string)
	return s
}

// Index is the call's position in the proposal order of its batch.
func (c ToolCall) Index() int { return c.index }

// RawCall is a tool call as the model proposed it, before validation.
type RawCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// Outcome is what a Backend reports for one execution attempt.
type Outcome struct {
	Output string `json:"output"`
	// Error is a tool-level failure message. Non-empty means the call failed
	// without an infrastructure error; it is not retried by default.
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ChangeType classifies the effect of a write on a target.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeModify ChangeType = "modify"
	ChangeDelete ChangeType = "delete"
)

// SideEffect describes what a write-class call did to one target.
type SideEffect struct {
	Target       string     `json:"target"`
	Change       ChangeType `json:"change"`
	LinesAdded   int        `json:"lines_added"`
	LinesRemoved int        `json:"lines_removed"`
}

// Result is the terminal record of one tool call.
type Result struct {
	SessionID string     `json:"session_id,omitempty"`
	BatchID   string     `json:"batch_id,omitempty"`
	CallID    string     `json:"call_id"`
	Name      string     `json:"name"`
	Status    CallStatus `json:"status"`
	Success   bool       `json:"success"`
	Output    string     `json:"output,omitempty"`
	Error     string     `json:"error,omitempty"`
	// Rejected is set when the user declined the call at the approval gate.
	Rejected bool `json:"rejected,omitempty"`
	// Skipped is set for serial calls abandoned after a rejection.
	Skipped bool `json:"skipped,omitempty"`
	// Validation is set when the proposal failed intake validation.
	Validation  bool           `json:"validation,omitempty"`
	Truncated   bool           `json:"truncated,omitempty"`
	RetryCount  int            `json:"retry_count"`
	SideEffects []SideEffect   `json:"side_effects,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Duration    time.Duration  `json:"duration"`
	// TargetHash is the content hash of the call's targets after execution.
	// Zero when the call has no targets.
	TargetHash uint64 `json:"target_hash,omitempty"`
	// HashUnknown is set when some target could not be read back after
	// execution, so TargetHash does not reflect its content.
	HashUnknown bool `json:"hash_unknown,omitempty"`
}

// Snapshot is the pre-execution content of one write target.
type Snapshot struct {
	SessionID string    `json:"session_id,omitempty"`
	CallID    string    `json:"call_id"`
	Target    string    `json:"target"`
	Existed   bool      `json:"existed"`
	Content   []byte    `json:"content,omitempty"`
	TakenAt   time.Time `json:"taken_at"`
}

// Transition records one status change of a call.
type Transition struct {
	SessionID string     `json:"session_id,omitempty"`
	BatchID   string     `json:"batch_id,omitempty"`
	CallID    string     `json:"call_id"`
	Name      string     `json:"name"`
	From      CallStatus `json:"from"`
	To        CallStatus `json:"to"`
	At        time.Time  `json:"at"`
}

// Role values for conversation messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of the conversation fed to the model.
type Message struct {
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	ToolCalls  []RawCall `json:"tool_calls,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
}

// ToolDefinition describes a tool to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Checkpointer receives the durable record of a run. Errors are logged by
// the session and never stop execution.
type Checkpointer interface {
	SaveTransition(ctx context.Context, t Transition) error
	SaveSnapshot(ctx context.Context, s Snapshot) error
	SaveResult(ctx context.Context, r Result) error
}

// TargetReader reads the current content of a target path. exists is false
// when the target does not exist; err is reserved for read failures.
type TargetReader interface {
	ReadTarget(ctx context.Context, path string) (content []byte, exists bool, err error)
}

// Backend executes validated tool calls.
type Backend interface {
	Execute(ctx context.Context, call ToolCall) (Outcome, error)
}

// nopLogger is used when no logger is configured.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler            { return d }
