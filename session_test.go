package toolflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestSession(tool *memTool, model Model, opts ...Option) *Session {
	reg := NewRegistry(tool)
	rec := &sleepRecorder{}
	opts = append([]Option{withSleep(rec.sleep)}, opts...)
	return NewSession(reg, reg, model, opts...)
}

func TestRunCompletesWithoutCalls(t *testing.T) {
	m := &scriptModel{turns: []turn{{text: "all good"}}}
	s := newTestSession(newMemTool(), m)

	res, err := s.Run(context.Background(), "check the repo")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Stop != StopCompleted || res.Output != "all good" || res.Iterations != 1 {
		t.Errorf("result = %+v", res)
	}
	if res.Usage.InputTokens != 10 || res.Usage.OutputTokens != 5 {
		t.Errorf("usage = %+v", res.Usage)
	}
}

func TestRunFeedsResultsBack(t *testing.T) {
	tool := newMemTool()
	tool.files["a.go"] = "package a"
	m := &scriptModel{turns: []turn{
		{text: "reading", calls: []RawCall{raw("c1", "read", `{"path":"a.go"}`)}},
		{text: "it is package a"},
	}}
	s := newTestSession(tool, m, WithSystemPrompt("be brief"))

	res, err := s.Run(context.Background(), "what package?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Output != "it is package a" || len(res.Batches) != 1 {
		t.Fatalf("result = %+v", res)
	}

	msgs := s.Messages()
	roles := make([]string, len(msgs))
	for i, msg := range msgs {
		roles[i] = msg.Role
	}
	want := []string{RoleUser, RoleAssistant, RoleTool, RoleAssistant}
	if len(roles) != len(want) {
		t.Fatalf("roles = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("roles = %v, want %v", roles, want)
		}
	}
	if msgs[2].ToolCallID != "c1" || msgs[2].Content != "package a" {
		t.Errorf("tool message = %+v", msgs[2])
	}

	m.mu.Lock()
	second := m.requests[1]
	m.mu.Unlock()
	if second.Messages[0].Role != RoleSystem || second.Messages[0].Content != "be brief" {
		t.Errorf("system prompt missing: %+v", second.Messages[0])
	}
	if len(second.Tools) != len(fileSpecs()) {
		t.Errorf("tools = %d", len(second.Tools))
	}
}

func TestRunFeedsValidationErrorsBack(t *testing.T) {
	tool := newMemTool()
	m := &scriptModel{turns: []turn{
		{calls: []RawCall{raw("c1", "read", `{}`), raw("c2", "search", `{"query":"x"}`)}},
		{text: "fixed"},
	}}
	s := newTestSession(tool, m)

	res, err := s.Run(context.Background(), "go")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	results := res.Batches[0].Results
	if len(results) != 2 || results[0].CallID != "c1" || !results[0].Validation {
		t.Fatalf("results = %+v", results)
	}
	if got := tool.executed(); len(got) != 1 || got[0] != "c2" {
		t.Errorf("executed = %v, want only c2", got)
	}
	msgs := s.Messages()
	if !strings.HasPrefix(msgs[2].Content, "error: ") {
		t.Errorf("validation feedback = %q", msgs[2].Content)
	}
}

func TestRunBudgetExhausted(t *testing.T) {
	m := &scriptModel{turns: []turn{
		{calls: []RawCall{raw("", "read", `{"path":"a.go"}`)}},
		{calls: []RawCall{raw("", "read", `{"path":"b.go"}`)}},
		{calls: []RawCall{raw("", "read", `{"path":"c.go"}`)}},
	}}
	s := newTestSession(newMemTool(), m, WithMaxIter(2))

	res, err := s.Run(context.Background(), "loop forever")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Stop != StopBudgetExhausted || res.Iterations != 2 {
		t.Errorf("result = %+v", res)
	}
	if !strings.Contains(res.Output, "Stopped after 2 iterations") {
		t.Errorf("output = %q", res.Output)
	}
	if m.requestCount() != 2 {
		t.Errorf("model requests = %d, want 2", m.requestCount())
	}
}

func TestRunStopsOnRepeatedNoOpEdits(t *testing.T) {
	tool := newMemTool()
	var turns []turn
	for i := 0; i < 6; i++ {
		turns = append(turns, turn{calls: []RawCall{raw("", "write", `{"path":"a.go","content":"same"}`)}})
	}
	m := &scriptModel{turns: turns}
	s := newTestSession(tool, m, WithAutoApprove(ApprovalEdit), WithLoopDetection(8, 4))

	res, err := s.Run(context.Background(), "fix a.go")
	var loopErr *ErrLoopDetected
	if !errors.As(err, &loopErr) {
		t.Fatalf("err = %v, want ErrLoopDetected", err)
	}
	if res.Stop != StopLoopDetected || res.Iterations != 4 || res.Loop == nil {
		t.Errorf("result = %+v", res)
	}
	if got := len(tool.executed()); got != 3 {
		t.Errorf("executed = %d, want 3 (fourth attempt is not run)", got)
	}
	last := res.Batches[len(res.Batches)-1]
	if len(last.Results) != 1 || last.Results[0].Status != StatusAborted {
		t.Errorf("flagged batch = %+v", last.Results)
	}
}

// blindTool hides the memTool's ReadTarget, so the session cannot read
// targets back.
type blindTool struct{ inner *memTool }

func (b blindTool) Specs() []ToolSpec { return b.inner.Specs() }

func (b blindTool) Execute(ctx context.Context, call ToolCall) (Outcome, error) {
	return b.inner.Execute(ctx, call)
}

func TestRunUnreadableTargetsAreNotALoop(t *testing.T) {
	tool := newMemTool()
	tool.handle("write", func(_ context.Context, call ToolCall) (Outcome, error) {
		tool.mu.Lock()
		defer tool.mu.Unlock()
		tool.files[call.StringArg("path")] += call.StringArg("content") + "\n"
		return Outcome{Output: "appended"}, nil
	})
	var turns []turn
	for i := 0; i < 6; i++ {
		turns = append(turns, turn{calls: []RawCall{raw("", "write", `{"path":"log.txt","content":"x"}`)}})
	}
	m := &scriptModel{turns: append(turns, turn{text: "appended six lines"})}
	reg := NewRegistry(blindTool{inner: tool})
	s := NewSession(reg, reg, m, withSleep((&sleepRecorder{}).sleep),
		WithAutoApprove(ApprovalEdit), WithLoopDetection(8, 4))

	res, err := s.Run(context.Background(), "append six lines")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Stop != StopCompleted || res.Loop != nil {
		t.Errorf("result = %+v", res)
	}
	if got := len(tool.executed()); got != 6 {
		t.Errorf("executed = %d, want 6", got)
	}
	if r := res.Batches[0].Results[0]; !r.HashUnknown {
		t.Errorf("result %+v should mark the target hash unknown", r)
	}
	if tool.files["log.txt"] != strings.Repeat("x\n", 6) {
		t.Errorf("log.txt = %q", tool.files["log.txt"])
	}
}

func TestRunStopsOnRejection(t *testing.T) {
	tool := newMemTool()
	tool.files["a.go"] = "x"
	m := &scriptModel{turns: []turn{
		{calls: []RawCall{raw("d1", "delete", `{"path":"a.go"}`), raw("s1", "shell", `{"command":"ls"}`)}},
	}}
	s := newTestSession(tool, m)
	stop := make(chan struct{})
	defer close(stop)
	autoResolve(s.Gate(), false, stop)

	res, err := s.Run(context.Background(), "clean up")
	var rej *ErrApprovalRejected
	if !errors.As(err, &rej) || rej.CallID != "d1" {
		t.Fatalf("err = %v, want rejection of d1", err)
	}
	if res.Stop != StopRejected {
		t.Errorf("stop = %s", res.Stop)
	}
	if len(tool.executed()) != 0 {
		t.Errorf("executed = %v, want nothing", tool.executed())
	}
	if _, ok := tool.files["a.go"]; !ok {
		t.Error("rejected delete touched the file")
	}
	if got := statusOfCall(res.Batches[0].Results, "s1"); got != StatusAborted {
		t.Errorf("s1 status = %s, want aborted", got)
	}
	if m.requestCount() != 1 {
		t.Errorf("model requests = %d, want 1", m.requestCount())
	}
}

func TestRunRetriesOverloadedModel(t *testing.T) {
	m := &flakyModel{}
	m.failures.Store(1)
	s := newTestSession(newMemTool(), m)

	res, err := s.Run(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Output != "hello" || m.calls.Load() != 2 {
		t.Errorf("output = %q, calls = %d", res.Output, m.calls.Load())
	}
}

func TestRunModelErrorNotRetried(t *testing.T) {
	m := &scriptModel{turns: []turn{{err: &ErrHTTP{Status: 400, Body: "bad request"}}}}
	s := newTestSession(newMemTool(), m)

	res, err := s.Run(context.Background(), "hi")
	var httpErr *ErrHTTP
	if !errors.As(err, &httpErr) || httpErr.Status != 400 {
		t.Fatalf("err = %v, want ErrHTTP 400", err)
	}
	if res.Stop != StopModelError || m.requestCount() != 1 {
		t.Errorf("stop = %s, requests = %d", res.Stop, m.requestCount())
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := newTestSession(newMemTool(), &scriptModel{})

	res, err := s.Run(ctx, "hi")
	if !errors.Is(err, context.Canceled) || res.Stop != StopCancelled {
		t.Errorf("Run = (%+v, %v)", res, err)
	}
}

// blockingModel holds its first turn until released.
type blockingModel struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (m *blockingModel) Name() string { return "blocking" }

func (m *blockingModel) Converse(ctx context.Context, _ ModelRequest, ch chan<- ModelEvent) error {
	defer close(ch)
	m.once.Do(func() { close(m.started) })
	select {
	case <-m.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	ch <- ModelEvent{Type: ModelTextDelta, Text: "ok"}
	return nil
}

func TestSessionRunsOneTaskAtATime(t *testing.T) {
	m := &blockingModel{started: make(chan struct{}), release: make(chan struct{})}
	s := newTestSession(newMemTool(), m)

	done := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background(), "first")
		done <- err
	}()
	<-m.started

	if _, err := s.Run(context.Background(), "second"); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("concurrent Run err = %v, want ErrSessionBusy", err)
	}
	if err := s.Reset(); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("Reset during run err = %v, want ErrSessionBusy", err)
	}
	close(m.release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := s.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if len(s.Messages()) != 0 {
		t.Error("Reset kept messages")
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	a := newTestSession(newMemTool(), &scriptModel{turns: []turn{{text: "a"}}})
	b := newTestSession(newMemTool(), &scriptModel{turns: []turn{{text: "b"}}})
	if a.ID() == b.ID() || a.Gate() == b.Gate() {
		t.Fatal("sessions share identity or gate")
	}
	var wg sync.WaitGroup
	for _, s := range []*Session{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Run(context.Background(), "go"); err != nil {
				t.Errorf("Run: %v", err)
			}
		}()
	}
	wg.Wait()
	if a.Messages()[1].Content != "a" || b.Messages()[1].Content != "b" {
		t.Error("conversations leaked between sessions")
	}
}

func TestRunStreamEventsAndApproval(t *testing.T) {
	tool := newMemTool()
	m := &scriptModel{turns: []turn{
		{text: "writing", calls: []RawCall{raw("w1", "write", `{"path":"a.go","content":"x"}`)}},
		{text: "done"},
	}}
	s := newTestSession(tool, m)

	ch := make(chan Event)
	var events []Event
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		for ev := range ch {
			events = append(events, ev)
			if ev.Type == EventApprovalRequired {
				if req, ok := s.Pending(); !ok || req.CallID != ev.CallID {
					t.Errorf("pending = (%+v, %v)", req, ok)
				}
				if err := s.Approve(); err != nil {
					t.Errorf("Approve: %v", err)
				}
			}
		}
	}()

	res, err := s.RunStream(context.Background(), "write a.go", ch)
	if err != nil {
		t.Fatalf("RunStream: %v", err)
	}
	select {
	case <-consumed:
	case <-time.After(5 * time.Second):
		t.Fatal("event channel was not closed")
	}

	if res.Stop != StopCompleted || tool.files["a.go"] != "x" {
		t.Errorf("result = %+v, file = %q", res, tool.files["a.go"])
	}
	seen := make(map[EventType]int)
	for _, ev := range events {
		seen[ev.Type]++
	}
	for _, typ := range []EventType{EventTextDelta, EventBatchPlanned, EventApprovalRequired, EventCallStatus, EventCallResult} {
		if seen[typ] == 0 {
			t.Errorf("no %s event", typ)
		}
	}
	if last := events[len(events)-1]; last.Type != EventDone || last.Stop != StopCompleted {
		t.Errorf("last event = %+v", last)
	}
}
