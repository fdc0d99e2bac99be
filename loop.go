package toolflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// StopReason says why a run ended.
type StopReason string

const (
	StopCompleted       StopReason = "completed"
	StopRejected        StopReason = "rejected"
	StopLoopDetected    StopReason = "loop_detected"
	StopBudgetExhausted StopReason = "budget_exhausted"
	StopCancelled       StopReason = "cancelled"
	StopModelError      StopReason = "model_error"
)

// RunResult is the outcome of one run.
type RunResult struct {
	SessionID  string
	Output     string
	Stop       StopReason
	Iterations int
	Batches    []BatchReport
	// Loop is set when the run ended on loop detection.
	Loop  *LoopVerdict
	Usage Usage
}

// Run executes a task to completion and returns the final answer.
//
// The run ends when the model answers without tool calls, when the user
// rejects a gated call (*ErrApprovalRejected), when loop detection trips
// (*ErrLoopDetected), when the iteration budget is spent (nil error, the
// Output explains it), or when ctx is cancelled (ctx.Err()).
func (s *Session) Run(ctx context.Context, input string) (RunResult, error) {
	return s.run(ctx, input, &emitter{})
}

// RunStream is Run with events delivered on ch. ch is closed when the run
// returns. Consumers must keep draining ch; approval requests arrive on it.
func (s *Session) RunStream(ctx context.Context, input string, ch chan<- Event) (RunResult, error) {
	em := &emitter{ch: ch, ctx: ctx}
	defer em.close()
	return s.run(ctx, input, em)
}

func (s *Session) run(ctx context.Context, input string, em *emitter) (RunResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return RunResult{SessionID: s.id}, ErrSessionBusy
	}
	defer s.running.Store(false)

	ctx, span := startSpan(ctx, s.cfg.tracer, "toolflow.session.run",
		StringAttr("session.id", s.id),
		IntAttr("max_iter", s.cfg.maxIter))
	defer span.End()

	logger := s.exec.logger
	logger.Info("run started", "input", truncateStr(input, 200))
	res := RunResult{SessionID: s.id}
	s.appendMessages(Message{Role: RoleUser, Content: input})
	defs := s.catalog.Definitions()

	finish := func(stop StopReason, err error) (RunResult, error) {
		res.Stop = stop
		span.SetAttr(StringAttr("stop", string(stop)), IntAttr("iterations", res.Iterations))
		if err != nil {
			span.Error(err)
		}
		logger.Info("run finished", "stop", stop, "iterations", res.Iterations, "error", err)
		em.send(Event{Type: EventDone, Stop: stop, Content: res.Output})
		return res, err
	}

	for iter := 0; iter < s.cfg.maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return finish(StopCancelled, err)
		}
		res.Iterations = iter + 1
		logger.Debug("iteration started", "iteration", res.Iterations)

		text, raws, usage, err := s.callModel(ctx, defs, em)
		res.Usage.InputTokens += usage.InputTokens
		res.Usage.OutputTokens += usage.OutputTokens
		if err != nil {
			if ctx.Err() != nil {
				return finish(StopCancelled, ctx.Err())
			}
			return finish(StopModelError, fmt.Errorf("model call: %w", err))
		}

		raws = assignCallIDs(raws)
		s.appendMessages(Message{Role: RoleAssistant, Content: text, ToolCalls: raws})
		if len(raws) == 0 {
			res.Output = text
			return finish(StopCompleted, nil)
		}

		calls, invalid := intake(raws, s.catalog)
		batchID := NewID()
		s.exec.recordInvalid(ctx, batchID, invalid)

		if verdict, ok := s.checkLoop(calls); ok {
			report := s.exec.abortBatch(ctx, batchID, calls, "not executed: "+verdict.Reason, em.send)
			report.Results = mergeResults(raws, report.Results, invalid)
			res.Batches = append(res.Batches, report)
			s.feedBack(report.Results)
			res.Loop = &verdict
			res.Output = verdict.Reason + "\n" + verdict.Suggestion
			em.send(Event{Type: EventLoopDetected, BatchID: batchID, Name: verdict.Tool, Content: res.Output})
			logger.Warn("loop detected", "tool", verdict.Tool, "count", verdict.Count)
			return finish(StopLoopDetected, &ErrLoopDetected{
				Tool:       verdict.Tool,
				Count:      verdict.Count,
				Reason:     verdict.Reason,
				Suggestion: verdict.Suggestion,
			})
		}

		report := s.exec.runBatch(ctx, batchID, calls, em.send)
		s.detector.Record(observations(calls, report.Results, s.catalog))
		report.Results = mergeResults(raws, report.Results, invalid)
		res.Batches = append(res.Batches, report)
		s.feedBack(report.Results)

		if err := ctx.Err(); err != nil {
			return finish(StopCancelled, err)
		}
		if report.Rejection != nil {
			res.Output = fmt.Sprintf("Stopped: %s was rejected.", report.Rejection.Tool)
			return finish(StopRejected, report.Rejection)
		}
	}

	res.Output = fmt.Sprintf("Stopped after %d iterations without reaching a final answer. "+
		"Raise the iteration limit or narrow the task.", s.cfg.maxIter)
	logger.Warn("iteration budget exhausted", "max_iter", s.cfg.maxIter)
	span.Event(ErrBudgetExceeded.Error())
	return finish(StopBudgetExhausted, nil)
}

// callModel runs one model turn, forwarding text deltas as events.
func (s *Session) callModel(ctx context.Context, defs []ToolDefinition, em *emitter) (string, []RawCall, Usage, error) {
	ctx, span := startSpan(ctx, s.cfg.tracer, "toolflow.model", StringAttr("model", s.model.Name()))
	defer span.End()

	req := ModelRequest{Messages: s.requestMessages(), Tools: defs}
	ch := make(chan ModelEvent, 64)
	errc := make(chan error, 1)
	go func() {
		errc <- converseWithRetry(ctx, s.model, req, s.cfg.modelRetry, s.cfg.sleep, s.exec.logger, ch)
	}()

	var (
		text  strings.Builder
		calls []RawCall
		usage Usage
	)
	for ev := range ch {
		switch ev.Type {
		case ModelTextDelta:
			text.WriteString(ev.Text)
			em.send(Event{Type: EventTextDelta, Content: ev.Text})
		case ModelToolCall:
			if ev.Call != nil {
				calls = append(calls, *ev.Call)
			}
		case ModelDone:
			usage = ev.Usage
		}
	}
	err := <-errc
	if err != nil {
		span.Error(err)
	}
	span.SetAttr(IntAttr("tool_calls", len(calls)))
	return text.String(), calls, usage, err
}

// checkLoop runs every call of the batch past the loop detector.
func (s *Session) checkLoop(calls []ToolCall) (LoopVerdict, bool) {
	for _, c := range calls {
		if v := s.detector.Check(SignatureOf(c)); v.IsLoop {
			return v, true
		}
	}
	return LoopVerdict{}, false
}

// feedBack appends one tool message per result.
func (s *Session) feedBack(results []Result) {
	msgs := make([]Message, 0, len(results))
	for _, r := range results {
		msgs = append(msgs, Message{Role: RoleTool, ToolCallID: r.CallID, Content: renderResult(r)})
	}
	s.appendMessages(msgs...)
}

// renderResult is the text the model sees for a result.
func renderResult(r Result) string {
	var b strings.Builder
	switch {
	case r.Rejected:
		b.WriteString("rejected by user: the call was not executed")
	case r.Skipped:
		b.WriteString("skipped: an earlier call in this batch was rejected")
	case r.Status == StatusAborted:
		b.WriteString(r.Error)
	case !r.Success:
		b.WriteString("error: " + r.Error)
		if r.Output != "" {
			b.WriteString("\n" + r.Output)
		}
	case r.Output == "":
		b.WriteString("(no output)")
	default:
		b.WriteString(r.Output)
	}
	for _, se := range r.SideEffects {
		fmt.Fprintf(&b, "\n[%s %s +%d -%d]", se.Change, se.Target, se.LinesAdded, se.LinesRemoved)
	}
	return b.String()
}

// assignCallIDs fills missing or duplicate call IDs so every proposal of a
// turn has a unique ID before it is recorded in the conversation.
func assignCallIDs(raws []RawCall) []RawCall {
	seen := make(map[string]bool, len(raws))
	out := make([]RawCall, len(raws))
	for i, rc := range raws {
		if rc.ID == "" || seen[rc.ID] {
			rc.ID = NewID()
		}
		seen[rc.ID] = true
		out[i] = rc
	}
	return out
}

// mergeResults orders executed and invalid results by proposal order.
func mergeResults(raws []RawCall, executed, invalid []Result) []Result {
	byID := make(map[string]Result, len(executed)+len(invalid))
	for _, r := range executed {
		byID[r.CallID] = r
	}
	for _, r := range invalid {
		byID[r.CallID] = r
	}
	out := make([]Result, 0, len(raws))
	for _, rc := range raws {
		if r, ok := byID[rc.ID]; ok {
			out = append(out, r)
		}
	}
	return out
}

// observations pairs each executed call with its post-execution hash. A
// write whose targets could not be read back is unverified; reads cannot
// change their targets, so their hash stands either way.
func observations(calls []ToolCall, results []Result, catalog Catalog) []LoopObservation {
	byID := make(map[string]Result, len(results))
	for _, r := range results {
		byID[r.CallID] = r
	}
	obs := make([]LoopObservation, 0, len(calls))
	for _, c := range calls {
		r := byID[c.ID]
		spec, _ := catalog.Lookup(c.Name)
		obs = append(obs, LoopObservation{
			Signature:  SignatureOf(c),
			Hash:       r.TargetHash,
			Unverified: r.HashUnknown && spec.Writes,
		})
	}
	return obs
}

// emitter delivers events to a RunStream consumer. Sends after close are
// dropped, so calls still winding down after cancellation cannot panic.
type emitter struct {
	mu     sync.Mutex
	ch     chan<- Event
	ctx    context.Context
	closed bool
}

func (e *emitter) send(ev Event) {
	if e.ch == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.ch <- ev:
	case <-e.ctx.Done():
	}
}

func (e *emitter) close() {
	if e.ch == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
