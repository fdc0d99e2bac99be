package toolflow

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultMaxParallel caps concurrent calls inside one parallel group.
const DefaultMaxParallel = 10

// BatchReport summarizes one executed batch.
type BatchReport struct {
	ID   string
	Plan DependencyPlan
	// Results holds every call of the batch in proposal order, including
	// proposals that failed validation.
	Results []Result
	// Rejection is set when a gated call was rejected. The serial queue
	// was abandoned after it.
	Rejection *ErrApprovalRejected
	// Cancelled is set when the context was cancelled during the batch.
	Cancelled bool
}

// callRecord is the mutable execution state of one call.
type callRecord struct {
	mu     sync.Mutex
	call   ToolCall
	status CallStatus
	result Result
}

func (r *callRecord) Status() CallStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// batchRun is the state of one batch while it executes.
type batchRun struct {
	exec    *executor
	id      string
	records []*callRecord
	emit    func(Event)

	rejected   atomic.Pointer[ErrApprovalRejected]
	turnstile  sync.Mutex // one gated call at the gate at a time
	persistCtx context.Context
}

func (e *executor) newBatchRun(ctx context.Context, id string, calls []ToolCall, emit func(Event)) *batchRun {
	if emit == nil {
		emit = func(Event) {}
	}
	b := &batchRun{
		exec:       e,
		id:         id,
		emit:       emit,
		persistCtx: context.WithoutCancel(ctx),
	}
	for _, c := range calls {
		rec := &callRecord{call: c, status: StatusProposed}
		b.records = append(b.records, rec)
		e.saveTransition(b.persistCtx, Transition{
			SessionID: e.sessionID, BatchID: id, CallID: c.ID, Name: c.Name,
			To: StatusProposed, At: time.Now(),
		})
	}
	return b
}

func (b *batchRun) record(id string) *callRecord {
	for _, r := range b.records {
		if r.call.ID == id {
			return r
		}
	}
	return nil
}

// transition moves rec to a non-terminal status. It reports false when the
// move is not allowed, which happens once a call has been aborted.
func (b *batchRun) transition(rec *callRecord, to CallStatus) bool {
	rec.mu.Lock()
	from := rec.status
	if !from.CanTransition(to) {
		rec.mu.Unlock()
		return false
	}
	rec.status = to
	rec.mu.Unlock()

	b.exec.saveTransition(b.persistCtx, Transition{
		SessionID: b.exec.sessionID, BatchID: b.id, CallID: rec.call.ID, Name: rec.call.Name,
		From: from, To: to, At: time.Now(),
	})
	b.emit(Event{Type: EventCallStatus, BatchID: b.id, CallID: rec.call.ID, Name: rec.call.Name, Status: to})
	return true
}

// finish moves rec to res.Status and stores res. A call that already reached
// a terminal state keeps its first result.
func (b *batchRun) finish(rec *callRecord, res Result) {
	res.SessionID = b.exec.sessionID
	res.BatchID = b.id
	res.CallID = rec.call.ID
	res.Name = rec.call.Name
	res.Success = res.Status == StatusSucceeded

	rec.mu.Lock()
	from := rec.status
	if !from.CanTransition(res.Status) {
		rec.mu.Unlock()
		return
	}
	rec.status = res.Status
	rec.result = res
	rec.mu.Unlock()

	b.exec.saveTransition(b.persistCtx, Transition{
		SessionID: b.exec.sessionID, BatchID: b.id, CallID: rec.call.ID, Name: rec.call.Name,
		From: from, To: res.Status, At: time.Now(),
	})
	b.exec.saveResult(b.persistCtx, res)
	b.emit(Event{Type: EventCallStatus, BatchID: b.id, CallID: rec.call.ID, Name: rec.call.Name, Status: res.Status})
	r := res
	b.emit(Event{Type: EventCallResult, BatchID: b.id, CallID: rec.call.ID, Name: rec.call.Name, Status: res.Status, Result: &r})
}

// abortRemaining aborts every call that has not reached a terminal state.
func (b *batchRun) abortRemaining(reason string, skipped bool) {
	for _, rec := range b.records {
		if rec.Status().Terminal() {
			continue
		}
		b.finish(rec, Result{Status: StatusAborted, Error: reason, Skipped: skipped})
	}
}

func (b *batchRun) results() []Result {
	out := make([]Result, 0, len(b.records))
	for _, rec := range b.records {
		rec.mu.Lock()
		res := rec.result
		if res.CallID == "" {
			res = Result{CallID: rec.call.ID, Name: rec.call.Name, Status: rec.status}
		}
		rec.mu.Unlock()
		out = append(out, res)
	}
	return out
}

// runBatch executes calls according to their dependency plan. Parallel
// groups run one after another with their members fanned out; the serial
// queue runs afterwards, one call at a time. A rejection abandons every
// group and serial call not yet dispatched. Cancellation aborts every
// unfinished call.
func (e *executor) runBatch(ctx context.Context, id string, calls []ToolCall, emit func(Event)) BatchReport {
	ctx, span := startSpan(ctx, e.tracer, "toolflow.batch",
		StringAttr("batch.id", id), IntAttr("batch.size", len(calls)))
	defer span.End()

	b := e.newBatchRun(ctx, id, calls, emit)
	plan := Plan(calls, e.catalog)
	summary := plan.Summary()
	b.emit(Event{Type: EventBatchPlanned, BatchID: id, Plan: &summary})
	e.logger.Info("batch planned",
		"batch_id", id,
		"calls", len(calls),
		"groups", len(plan.groups),
		"serial", len(plan.serial),
		"direct", plan.direct)

	if len(calls) == 0 {
		return BatchReport{ID: id, Plan: plan}
	}

	for _, group := range plan.groups {
		if ctx.Err() != nil {
			break
		}
		if b.rejected.Load() != nil {
			b.skip(group)
			continue
		}
		b.runGroup(ctx, group)
	}
	for _, call := range plan.serial {
		if ctx.Err() != nil {
			break
		}
		if b.rejected.Load() != nil {
			b.skip([]ToolCall{call})
			continue
		}
		e.runCall(ctx, b, b.record(call.ID))
		runtime.Gosched()
	}

	report := BatchReport{ID: id, Plan: plan}
	if err := ctx.Err(); err != nil {
		b.abortRemaining("aborted: "+err.Error(), false)
		report.Cancelled = true
		span.Event("cancelled")
	}
	report.Results = b.results()
	report.Rejection = b.rejected.Load()
	if report.Rejection != nil {
		span.SetAttr(BoolAttr("batch.rejected", true))
	}
	return report
}

// skip aborts calls that were not dispatched before a rejection.
func (b *batchRun) skip(calls []ToolCall) {
	for _, call := range calls {
		b.finish(b.record(call.ID), Result{Status: StatusAborted, Error: "skipped: an earlier call in this batch was rejected", Skipped: true})
	}
}

// runGroup fans the group out and waits for every member, or for ctx.
func (b *batchRun) runGroup(ctx context.Context, group []ToolCall) {
	var g errgroup.Group
	g.SetLimit(b.exec.maxParallel)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, call := range group {
			rec := b.record(call.ID)
			g.Go(func() error {
				b.exec.runCall(ctx, b, rec)
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		b.exec.logger.Warn("parallel group interrupted", "batch_id", b.id, "size", len(group))
	}
}

// abortBatch records calls that were proposed but never executed, such as
// the batch that tripped loop detection.
func (e *executor) abortBatch(ctx context.Context, id string, calls []ToolCall, reason string, emit func(Event)) BatchReport {
	b := e.newBatchRun(ctx, id, calls, emit)
	b.abortRemaining(reason, false)
	return BatchReport{ID: id, Plan: Plan(calls, e.catalog), Results: b.results()}
}

// recordInvalid persists proposals that failed intake validation.
func (e *executor) recordInvalid(ctx context.Context, batchID string, invalid []Result) {
	ctx = context.WithoutCancel(ctx)
	for _, r := range invalid {
		r.SessionID = e.sessionID
		r.BatchID = batchID
		e.saveTransition(ctx, Transition{
			SessionID: e.sessionID, BatchID: batchID, CallID: r.CallID, Name: r.Name,
			To: StatusProposed, At: time.Now(),
		})
		e.saveTransition(ctx, Transition{
			SessionID: e.sessionID, BatchID: batchID, CallID: r.CallID, Name: r.Name,
			From: StatusProposed, To: StatusFailed, At: time.Now(),
		})
		e.saveResult(ctx, r)
	}
}

func (e *executor) saveTransition(ctx context.Context, t Transition) {
	if e.checkpoint == nil {
		return
	}
	if err := e.checkpoint.SaveTransition(ctx, t); err != nil {
		e.logger.Warn("checkpoint transition failed", "call_id", t.CallID, "to", t.To, "error", err)
	}
}

func (e *executor) saveResult(ctx context.Context, r Result) {
	if e.checkpoint == nil {
		return
	}
	if err := e.checkpoint.SaveResult(ctx, r); err != nil {
		e.logger.Warn("checkpoint result failed", "call_id", r.CallID, "error", err)
	}
}

func (e *executor) saveSnapshot(ctx context.Context, s Snapshot) {
	if e.checkpoint == nil {
		return
	}
	if err := e.checkpoint.SaveSnapshot(ctx, s); err != nil {
		e.logger.Warn("checkpoint snapshot failed", "call_id", s.CallID, "target", s.Target, "error", err)
	}
}

// executor holds the collaborators and limits shared by every batch of a
// session.
type executor struct {
	sessionID   string
	catalog     Catalog
	backend     Backend
	reader      TargetReader
	gate        *Gate
	autoApprove map[ApprovalClass]bool
	retry       RetryPolicy
	timeout     time.Duration
	maxOutput   int
	maxParallel int
	checkpoint  Checkpointer
	logger      *slog.Logger
	tracer      Tracer
	sleep       sleepFunc
}
