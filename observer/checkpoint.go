package observer

import (
	"context"

	"github.com/xiaochunkun/toolflow"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
)

// ObservedCheckpointer counts call transitions and snapshots on their way to
// the inner checkpointer. Terminal results are also logged.
type ObservedCheckpointer struct {
	inner toolflow.Checkpointer
	inst  *Instruments
}

// WrapCheckpointer returns an instrumented checkpointer. inner may be nil,
// in which case only telemetry is recorded.
func WrapCheckpointer(inner toolflow.Checkpointer, inst *Instruments) *ObservedCheckpointer {
	return &ObservedCheckpointer{inner: inner, inst: inst}
}

func (o *ObservedCheckpointer) SaveTransition(ctx context.Context, t toolflow.Transition) error {
	o.inst.CallTransitions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(t.Name),
		AttrCallStatus.String(string(t.To)),
	))
	if o.inner == nil {
		return nil
	}
	return o.inner.SaveTransition(ctx, t)
}

func (o *ObservedCheckpointer) SaveSnapshot(ctx context.Context, s toolflow.Snapshot) error {
	o.inst.TargetSnapshots.Add(ctx, 1)
	if o.inner == nil {
		return nil
	}
	return o.inner.SaveSnapshot(ctx, s)
}

func (o *ObservedCheckpointer) SaveResult(ctx context.Context, r toolflow.Result) error {
	sev := otellog.SeverityInfo
	if !r.Success {
		sev = otellog.SeverityWarn
	}
	o.inst.emit(ctx, sev, "call finished",
		otellog.String("session.id", r.SessionID),
		otellog.String("call.id", r.CallID),
		otellog.String("tool.name", r.Name),
		otellog.String("call.status", string(r.Status)),
		otellog.Int("call.retries", r.RetryCount),
		otellog.Bool("call.truncated", r.Truncated),
	)
	if o.inner == nil {
		return nil
	}
	return o.inner.SaveResult(ctx, r)
}

var _ toolflow.Checkpointer = (*ObservedCheckpointer)(nil)
