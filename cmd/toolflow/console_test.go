package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/xiaochunkun/toolflow"
)

type recordingApprover struct {
	decisions []bool
	callIDs   []string
}

func (r *recordingApprover) Pending() (toolflow.ApprovalRequest, bool) {
	return toolflow.ApprovalRequest{}, true
}
func (r *recordingApprover) Approve() error { r.decisions = append(r.decisions, true); return nil }
func (r *recordingApprover) Reject() error  { r.decisions = append(r.decisions, false); return nil }
func (r *recordingApprover) Resolve(callID string, approved bool) error {
	r.callIDs = append(r.callIDs, callID)
	r.decisions = append(r.decisions, approved)
	return nil
}

func TestConsoleRendersRun(t *testing.T) {
	var out bytes.Buffer
	c := newConsole(&out, strings.NewReader(""), false)
	ctx := context.Background()

	c.handle(ctx, toolflow.Event{Type: toolflow.EventTextDelta, Content: "Looking"})
	c.handle(ctx, toolflow.Event{Type: toolflow.EventBatchPlanned, BatchID: "0123456789ab", Plan: &toolflow.PlanSummary{Groups: [][]string{{"a", "b"}}, Serial: []string{"c"}}})
	c.handle(ctx, toolflow.Event{Type: toolflow.EventCallStatus, Status: toolflow.StatusRunning})
	c.handle(ctx, toolflow.Event{Type: toolflow.EventCallResult, Result: &toolflow.Result{
		Name: "file_write", Success: true, Duration: 1500 * time.Microsecond,
		SideEffects: []toolflow.SideEffect{{Target: "a.go", Change: toolflow.ChangeModify, LinesAdded: 2, LinesRemoved: 1}},
	}})
	c.handle(ctx, toolflow.Event{Type: toolflow.EventCallResult, Result: &toolflow.Result{Name: "shell_exec", Status: toolflow.StatusFailed, Error: "exit: 1"}})
	c.handle(ctx, toolflow.Event{Type: toolflow.EventDone, Stop: toolflow.StopCompleted})

	want := strings.Join([]string{
		"Looking",
		"-- batch 456789ab: 1 parallel group(s), 1 serial",
		"   ok   file_write (2ms) modify a.go +2 -1",
		"   fail shell_exec [failed] exit: 1",
		"-- done (completed)",
		"",
	}, "\n")
	if out.String() != want {
		t.Errorf("output:\n%s\nwant:\n%s", out.String(), want)
	}
}

func TestConsoleAsksOnStdin(t *testing.T) {
	var out bytes.Buffer
	c := newConsole(&out, strings.NewReader("y\nno\n"), false)
	a := &recordingApprover{}
	c.approver = a

	ev := toolflow.Event{Type: toolflow.EventApprovalRequired, CallID: "d1", Name: "file_delete", Class: toolflow.ApprovalDangerous, Args: json.RawMessage(`{"path": "x"}`)}
	c.handle(context.Background(), ev)
	c.handle(context.Background(), ev)
	// EOF counts as a rejection.
	c.handle(context.Background(), ev)

	if len(a.decisions) != 3 || !a.decisions[0] || a.decisions[1] || a.decisions[2] {
		t.Errorf("decisions = %v", a.decisions)
	}
	for _, id := range a.callIDs {
		if id != "d1" {
			t.Errorf("resolved call %q, want d1", id)
		}
	}
	if !strings.Contains(out.String(), `?? file_delete [dangerous] {"path": "x"}`) || !strings.Contains(out.String(), "Approve file_delete? [y/N]") {
		t.Errorf("output = %q", out.String())
	}
}

func TestConsoleAskAbandonedOnCancel(t *testing.T) {
	c := newConsole(&bytes.Buffer{}, blockingReader{}, false)
	a := &recordingApprover{}
	c.approver = a

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.handle(ctx, toolflow.Event{Type: toolflow.EventApprovalRequired, Name: "shell_exec"})
	if len(a.decisions) != 0 {
		t.Errorf("decisions = %v", a.decisions)
	}
}

type blockingReader struct{}

func (blockingReader) Read([]byte) (int, error) { select {} }

func TestConsoleJSONMode(t *testing.T) {
	var out bytes.Buffer
	c := newConsole(&out, strings.NewReader(""), true)
	c.handle(context.Background(), toolflow.Event{Type: toolflow.EventDone, Stop: toolflow.StopBudgetExhausted})
	c.summary(toolflow.RunResult{Stop: toolflow.StopBudgetExhausted})

	var ev toolflow.Event
	if err := json.Unmarshal(out.Bytes(), &ev); err != nil {
		t.Fatalf("output %q is not one JSON event: %v", out.String(), err)
	}
	if ev.Stop != toolflow.StopBudgetExhausted {
		t.Errorf("event = %+v", ev)
	}
}

func TestSummaryCountsCalls(t *testing.T) {
	var out bytes.Buffer
	c := newConsole(&out, nil, false)
	c.summary(toolflow.RunResult{
		Stop:       toolflow.StopCompleted,
		Iterations: 2,
		Batches:    []toolflow.BatchReport{{Results: make([]toolflow.Result, 3)}},
		Usage:      toolflow.Usage{InputTokens: 10, OutputTokens: 4},
	})
	if out.String() != "-- completed after 2 iteration(s), 3 call(s), tokens in=10 out=4\n" {
		t.Errorf("summary = %q", out.String())
	}
}

func TestPreview(t *testing.T) {
	if got := preview("a\n  b", 10); got != "a b" {
		t.Errorf("preview = %q", got)
	}
	if got := preview("abcdef", 3); got != "abc..." {
		t.Errorf("preview = %q", got)
	}
}
