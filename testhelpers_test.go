package toolflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// --- Tool catalog fixtures ---

// fileSpecs is a small catalog mirroring the reference file tools:
// read (parallel-safe), write/edit (edit class), delete (dangerous),
// shell (terminal, no target).
func fileSpecs() []ToolSpec {
	path := []Param{{Name: "path", Type: TypeString, Required: true}}
	return []ToolSpec{
		{Name: "read", Approval: ApprovalNone, ParallelSafe: true, Params: path, Targets: PathArgs("path")},
		{Name: "write", Approval: ApprovalEdit, Writes: true, Params: append(path, Param{Name: "content", Type: TypeString}), Targets: PathArgs("path")},
		{Name: "delete", Approval: ApprovalDangerous, Writes: true, Params: path, Targets: PathArgs("path")},
		{Name: "shell", Approval: ApprovalTerminal, Params: []Param{{Name: "command", Type: TypeString, Required: true}}},
		{Name: "search", Approval: ApprovalNone, ParallelSafe: true, Params: []Param{{Name: "query", Type: TypeString}}},
	}
}

// memTool executes fileSpecs against an in-memory filesystem. Handlers can
// be overridden per tool name.
type memTool struct {
	mu       sync.Mutex
	files    map[string]string
	calls    []string
	handlers map[string]func(ctx context.Context, call ToolCall) (Outcome, error)
}

func newMemTool() *memTool {
	return &memTool{
		files:    make(map[string]string),
		handlers: make(map[string]func(ctx context.Context, call ToolCall) (Outcome, error)),
	}
}

func (m *memTool) Specs() []ToolSpec { return fileSpecs() }

func (m *memTool) Execute(ctx context.Context, call ToolCall) (Outcome, error) {
	m.mu.Lock()
	m.calls = append(m.calls, call.ID)
	h := m.handlers[call.Name]
	m.mu.Unlock()
	if h != nil {
		return h(ctx, call)
	}

	var args struct {
		Path    string `json:"path"`
		Content string `json:"content"`
		Command string `json:"command"`
	}
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return Outcome{Error: err.Error()}, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch call.Name {
	case "read":
		c, ok := m.files[args.Path]
		if !ok {
			return Outcome{Error: "no such file: " + args.Path}, nil
		}
		return Outcome{Output: c}, nil
	case "write":
		m.files[args.Path] = args.Content
		return Outcome{Output: "wrote " + args.Path}, nil
	case "delete":
		delete(m.files, args.Path)
		return Outcome{Output: "deleted " + args.Path}, nil
	case "shell":
		return Outcome{Output: "ran " + args.Command}, nil
	}
	return Outcome{Output: "ok"}, nil
}

func (m *memTool) ReadTarget(_ context.Context, path string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.files[path]
	if !ok {
		return nil, false, nil
	}
	return []byte(c), true, nil
}

func (m *memTool) handle(name string, fn func(ctx context.Context, call ToolCall) (Outcome, error)) {
	m.mu.Lock()
	m.handlers[name] = fn
	m.mu.Unlock()
}

func (m *memTool) executed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// mustCall validates a call against catalog or panics.
func mustCall(catalog Catalog, id, name, args string) ToolCall {
	c, err := NewToolCall(catalog, id, name, json.RawMessage(args))
	if err != nil {
		panic(err)
	}
	return c
}

// mustCalls validates calls and numbers them in proposal order.
func mustCalls(catalog Catalog, specs ...[3]string) []ToolCall {
	out := make([]ToolCall, len(specs))
	for i, s := range specs {
		c := mustCall(catalog, s[0], s[1], s[2])
		c.index = i
		out[i] = c
	}
	return out
}

func ids(calls []ToolCall) []string {
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.ID
	}
	return out
}

// --- Model fixtures ---

// turn is one scripted model reply.
type turn struct {
	text  string
	calls []RawCall
	err   error
}

// scriptModel replays turns in order; once exhausted it answers "done".
type scriptModel struct {
	mu       sync.Mutex
	turns    []turn
	requests []ModelRequest
}

func (m *scriptModel) Name() string { return "script" }

func (m *scriptModel) Converse(_ context.Context, req ModelRequest, ch chan<- ModelEvent) error {
	defer close(ch)
	m.mu.Lock()
	m.requests = append(m.requests, req)
	var t turn
	if len(m.turns) > 0 {
		t = m.turns[0]
		m.turns = m.turns[1:]
	} else {
		t = turn{text: "done"}
	}
	m.mu.Unlock()

	if t.err != nil {
		return t.err
	}
	if t.text != "" {
		ch <- ModelEvent{Type: ModelTextDelta, Text: t.text}
	}
	for i := range t.calls {
		c := t.calls[i]
		ch <- ModelEvent{Type: ModelToolCall, Call: &c}
	}
	ch <- ModelEvent{Type: ModelDone, Usage: Usage{InputTokens: 10, OutputTokens: 5}}
	return nil
}

func (m *scriptModel) requestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func raw(id, name, args string) RawCall {
	return RawCall{ID: id, Name: name, Args: json.RawMessage(args)}
}

// --- Checkpointer fixture ---

type recordingCheckpointer struct {
	mu          sync.Mutex
	transitions []Transition
	snapshots   []Snapshot
	results     []Result
}

func (r *recordingCheckpointer) SaveTransition(_ context.Context, t Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
	return nil
}

func (r *recordingCheckpointer) SaveSnapshot(_ context.Context, s Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, s)
	return nil
}

func (r *recordingCheckpointer) SaveResult(_ context.Context, res Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	return nil
}

// statuses returns the status sequence recorded for callID.
func (r *recordingCheckpointer) statuses(callID string) []CallStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []CallStatus
	for _, t := range r.transitions {
		if t.CallID == callID {
			out = append(out, t.To)
		}
	}
	return out
}

// --- Executor fixture ---

// sleepRecorder replaces real backoff sleeps and records requested delays.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func withSleep(fn sleepFunc) Option {
	return func(c *sessionConfig) { c.sleep = fn }
}

// newTestExecutor wires an executor over reg the way NewSession does.
func newTestExecutor(reg *Registry, opts ...Option) *executor {
	s := NewSession(reg, reg, &scriptModel{}, opts...)
	return s.exec
}

// autoResolve answers every request on g until stop is closed.
func autoResolve(g *Gate, approve bool, stop <-chan struct{}) {
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(time.Millisecond):
			}
			if _, ok := g.Pending(); ok {
				if approve {
					_ = g.Approve()
				} else {
					_ = g.Reject()
				}
			}
		}
	}()
}

func statusOfCall(results []Result, id string) CallStatus {
	for _, r := range results {
		if r.CallID == id {
			return r.Status
		}
	}
	return CallStatus(fmt.Sprintf("missing(%s)", id))
}
