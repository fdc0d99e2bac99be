package toolflow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

// DefaultCallTimeout bounds a single execution attempt.
const DefaultCallTimeout = 2 * time.Minute

// runCall drives one call through the pipeline: approval, snapshot, timed
// execution with retries, post-processing, and recording. Every outcome,
// including panics in the backend, ends as a Result on rec.
func (e *executor) runCall(ctx context.Context, b *batchRun, rec *callRecord) {
	call := rec.call
	spec, _ := e.catalog.Lookup(call.Name)

	ctx, span := startSpan(ctx, e.tracer, "toolflow.call",
		StringAttr("tool.name", call.Name),
		StringAttr("call.id", call.ID),
		StringAttr("approval.class", string(spec.Approval)))
	defer span.End()

	if err := ctx.Err(); err != nil {
		b.finish(rec, Result{Status: StatusAborted, Error: "aborted: " + err.Error()})
		return
	}

	if spec.Approval.Gated() && !e.autoApprove[spec.Approval] {
		if !b.transition(rec, StatusAwaitingApproval) {
			return
		}
		approved, err := b.requestApproval(ctx, ApprovalRequest{
			CallID:  call.ID,
			Name:    call.Name,
			Args:    call.Args,
			Class:   spec.Approval,
			Targets: call.Targets(),
		})
		if !approved {
			msg := "rejected by user"
			if err != nil {
				msg = "approval not granted: " + err.Error()
			}
			span.Event("rejected")
			b.rejected.CompareAndSwap(nil, &ErrApprovalRejected{CallID: call.ID, Tool: call.Name})
			b.finish(rec, Result{Status: StatusRejected, Rejected: true, Error: msg})
			return
		}
	}

	targets := call.targets
	var before map[string][]byte
	var existedBefore map[string]bool
	if spec.Writes && e.reader != nil && len(targets) > 0 {
		before, existedBefore = e.readTargets(ctx, targets)
		for _, t := range targets {
			if _, ok := existedBefore[t]; !ok {
				continue // unreadable
			}
			e.saveSnapshot(b.persistCtx, Snapshot{
				SessionID: e.sessionID,
				CallID:    call.ID,
				Target:    t,
				Existed:   existedBefore[t],
				Content:   before[t],
				TakenAt:   time.Now(),
			})
		}
	}

	if !b.transition(rec, StatusRunning) {
		return
	}

	timeout := e.timeout
	if spec.Timeout > 0 {
		timeout = spec.Timeout
	}
	start := time.Now()
	out, retries, err := retryCall(ctx, e.retry, e.sleep, call.Name, e.logger, func() (Outcome, error) {
		return e.attempt(ctx, call, timeout)
	})
	dur := time.Since(start)
	span.SetAttr(IntAttr("call.retries", retries))

	if cerr := ctx.Err(); cerr != nil {
		b.finish(rec, Result{Status: StatusAborted, Error: "aborted: " + cerr.Error(), RetryCount: retries, Duration: dur})
		return
	}

	res := Result{RetryCount: retries, Duration: dur, Metadata: out.Metadata}
	res.Output, res.Truncated = boundOutput(out.Output, e.maxOutput)
	if err != nil {
		res.Status = StatusFailed
		var te *ToolError
		if errors.As(err, &te) {
			res.Error = te.Message
		} else {
			res.Error = err.Error()
		}
		span.Error(err)
		e.logger.Warn("tool call failed", "tool", call.Name, "call_id", call.ID, "retries", retries, "error", err)
	} else {
		res.Status = StatusSucceeded
	}

	if len(targets) > 0 {
		var after map[string][]byte
		var existsAfter map[string]bool
		if e.reader != nil {
			after, existsAfter = e.readTargets(ctx, targets)
			res.TargetHash = contentHash(targets, after, existsAfter)
		}
		res.HashUnknown = len(existsAfter) < len(targets)
		if spec.Writes && err == nil {
			res.SideEffects = sideEffects(targets, out.Metadata, before, existedBefore, after, existsAfter)
		}
	}

	e.logger.Debug("tool call finished",
		"tool", call.Name,
		"call_id", call.ID,
		"status", res.Status,
		"duration", dur,
		"output_len", len(res.Output))
	b.finish(rec, res)
}

// requestApproval passes one call through the gate. Gated calls of a batch
// take turns so the gate never sees two concurrent requests.
func (b *batchRun) requestApproval(ctx context.Context, req ApprovalRequest) (bool, error) {
	b.turnstile.Lock()
	defer b.turnstile.Unlock()
	if err := ctx.Err(); err != nil {
		return false, err
	}
	// Emit only once the request is pending so a consumer reacting to the
	// event can resolve it right away.
	return b.exec.gate.request(ctx, req, func() {
		b.emit(Event{
			Type:    EventApprovalRequired,
			BatchID: b.id,
			CallID:  req.CallID,
			Name:    req.Name,
			Args:    req.Args,
			Class:   req.Class,
		})
	})
}

// attempt runs one execution attempt under the per-call timeout. Tool-level
// failures become *ToolError; a timeout becomes ErrCallTimeout even when the
// backend ignores its context.
func (e *executor) attempt(ctx context.Context, call ToolCall, timeout time.Duration) (Outcome, error) {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type execResult struct {
		out Outcome
		err error
	}
	done := make(chan execResult, 1)
	go func() {
		out, err := safeExecute(callCtx, e.backend, call)
		done <- execResult{out, err}
	}()

	var r execResult
	select {
	case r = <-done:
	case <-callCtx.Done():
		r.err = callCtx.Err()
	}
	if r.err != nil {
		if ctx.Err() != nil {
			return r.out, ctx.Err()
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return r.out, fmt.Errorf("%s after %s: %w", call.Name, timeout, ErrCallTimeout)
		}
		return r.out, r.err
	}
	if r.out.Error != "" {
		return r.out, &ToolError{Tool: call.Name, Message: r.out.Error}
	}
	return r.out, nil
}

// safeExecute calls the backend, converting a panic into an error.
func safeExecute(ctx context.Context, backend Backend, call ToolCall) (out Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool %q panicked: %v\n%s", call.Name, p, debug.Stack())
		}
	}()
	return backend.Execute(ctx, call)
}

// readTargets reads the current content of targets. Targets that cannot be
// read are left out of both maps.
func (e *executor) readTargets(ctx context.Context, targets []string) (map[string][]byte, map[string]bool) {
	content := make(map[string][]byte, len(targets))
	exists := make(map[string]bool, len(targets))
	for _, t := range targets {
		data, ok, err := e.reader.ReadTarget(ctx, t)
		if err != nil {
			if !errors.Is(err, ErrNoTargetReader) {
				e.logger.Debug("target read failed", "target", t, "error", err)
			}
			continue
		}
		content[t] = data
		exists[t] = ok
	}
	return content, exists
}

// sideEffects prefers metadata reported by the backend for a single target
// and otherwise diffs the snapshots.
func sideEffects(targets []string, meta map[string]any, before map[string][]byte, existedBefore map[string]bool,
	after map[string][]byte, existsAfter map[string]bool) []SideEffect {
	if len(targets) == 1 {
		if se, ok := sideEffectFromMetadata(targets[0], meta); ok {
			return []SideEffect{se}
		}
	}
	var out []SideEffect
	for _, t := range targets {
		eb, okb := existedBefore[t]
		ea, oka := existsAfter[t]
		if !okb || !oka {
			continue
		}
		if se, ok := sideEffectOf(t, before[t], eb, after[t], ea); ok {
			out = append(out, se)
		}
	}
	return out
}

func sideEffectFromMetadata(target string, meta map[string]any) (SideEffect, bool) {
	if meta == nil {
		return SideEffect{}, false
	}
	change, hasChange := meta["change_type"].(string)
	added, hasAdded := metaInt(meta["lines_added"])
	removed, hasRemoved := metaInt(meta["lines_removed"])
	if !hasChange && !hasAdded && !hasRemoved {
		return SideEffect{}, false
	}
	if !hasChange {
		change = string(ChangeModify)
	}
	return SideEffect{Target: target, Change: ChangeType(change), LinesAdded: added, LinesRemoved: removed}, true
}

func metaInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
