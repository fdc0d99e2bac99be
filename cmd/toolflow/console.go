package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/xiaochunkun/toolflow"
)

const argsPreview = 300

// console renders session events and, when approver is set, asks for
// approval on stdin.
type console struct {
	out      io.Writer
	in       io.Reader
	json     bool
	approver toolflow.Approver

	// midLine is set while streamed model text has no trailing newline.
	midLine bool

	linesOnce sync.Once
	lines     chan string
}

func newConsole(out io.Writer, in io.Reader, jsonMode bool) *console {
	return &console{out: out, in: in, json: jsonMode}
}

func (c *console) handle(ctx context.Context, ev toolflow.Event) {
	if c.json {
		data, _ := json.Marshal(ev)
		fmt.Fprintf(c.out, "%s\n", data)
	} else {
		c.render(ev)
	}
	if ev.Type == toolflow.EventApprovalRequired && c.approver != nil {
		c.ask(ctx, ev)
	}
}

func (c *console) render(ev toolflow.Event) {
	switch ev.Type {
	case toolflow.EventTextDelta:
		fmt.Fprint(c.out, ev.Content)
		c.midLine = !strings.HasSuffix(ev.Content, "\n")
		return
	case toolflow.EventCallStatus:
		// Results carry the interesting part.
		return
	}
	c.breakLine()

	switch ev.Type {
	case toolflow.EventBatchPlanned:
		if ev.Plan != nil {
			fmt.Fprintf(c.out, "-- batch %s: %d parallel group(s), %d serial\n", shortID(ev.BatchID), len(ev.Plan.Groups), len(ev.Plan.Serial))
		}
	case toolflow.EventApprovalRequired:
		fmt.Fprintf(c.out, "?? %s [%s] %s\n", ev.Name, ev.Class, preview(string(ev.Args), argsPreview))
	case toolflow.EventCallResult:
		if ev.Result != nil {
			c.renderResult(*ev.Result)
		}
	case toolflow.EventLoopDetected:
		fmt.Fprintf(c.out, "!! loop detected on %s, stopping\n", ev.Name)
	case toolflow.EventDone:
		fmt.Fprintf(c.out, "-- done (%s)\n", ev.Stop)
	}
}

func (c *console) renderResult(r toolflow.Result) {
	switch {
	case r.Success:
		fmt.Fprintf(c.out, "   ok   %s (%s)%s\n", r.Name, r.Duration.Round(time.Millisecond), effects(r.SideEffects))
	case r.Rejected:
		fmt.Fprintf(c.out, "   no   %s rejected\n", r.Name)
	case r.Skipped:
		fmt.Fprintf(c.out, "   --   %s skipped\n", r.Name)
	default:
		fmt.Fprintf(c.out, "   fail %s [%s] %s\n", r.Name, r.Status, preview(r.Error, argsPreview))
	}
}

// ask prompts for a decision and resolves the pending approval. A cancelled
// context leaves the decision to the session, which rejects on cancel.
func (c *console) ask(ctx context.Context, ev toolflow.Event) {
	if !c.json {
		fmt.Fprintf(c.out, "Approve %s? [y/N] ", ev.Name)
	}
	c.linesOnce.Do(c.startReader)

	var answer string
	select {
	case line, ok := <-c.lines:
		if ok {
			answer = line
		}
	case <-ctx.Done():
		return
	}

	if err := c.approver.Resolve(ev.CallID, approved(answer)); err != nil {
		fmt.Fprintf(c.out, "approval: %v\n", err)
	}
}

// startReader feeds stdin lines to c.lines so prompts can be abandoned on
// cancellation.
func (c *console) startReader() {
	c.lines = make(chan string)
	go func() {
		defer close(c.lines)
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			c.lines <- sc.Text()
		}
	}()
}

func (c *console) summary(res toolflow.RunResult) {
	c.breakLine()
	if c.json {
		return
	}
	calls := 0
	for _, b := range res.Batches {
		calls += len(b.Results)
	}
	fmt.Fprintf(c.out, "-- %s after %d iteration(s), %d call(s), tokens in=%d out=%d\n",
		res.Stop, res.Iterations, calls, res.Usage.InputTokens, res.Usage.OutputTokens)
}

func (c *console) breakLine() {
	if c.midLine {
		fmt.Fprintln(c.out)
		c.midLine = false
	}
}

func approved(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}

func effects(se []toolflow.SideEffect) string {
	if len(se) == 0 {
		return ""
	}
	parts := make([]string, len(se))
	for i, e := range se {
		parts[i] = fmt.Sprintf("%s %s +%d -%d", e.Change, e.Target, e.LinesAdded, e.LinesRemoved)
	}
	return " " + strings.Join(parts, ", ")
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[len(id)-8:]
	}
	return id
}
