package observer

import (
	"context"
	"time"

	"github.com/xiaochunkun/toolflow"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedBackend wraps a toolflow.Backend with OTEL instrumentation. Each
// attempt of a call (retries included) is one span.
type ObservedBackend struct {
	inner toolflow.Backend
	inst  *Instruments
}

// WrapBackend returns an instrumented backend.
func WrapBackend(inner toolflow.Backend, inst *Instruments) *ObservedBackend {
	return &ObservedBackend{inner: inner, inst: inst}
}

func (o *ObservedBackend) Execute(ctx context.Context, call toolflow.ToolCall) (toolflow.Outcome, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		AttrToolName.String(call.Name),
		AttrCallID.String(call.ID),
	))
	defer span.End()
	start := time.Now()

	out, err := o.inner.Execute(ctx, call)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if out.Error != "" {
		status = "tool_error"
	}
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		AttrToolStatus.String(status),
		AttrToolOutputLength.Int(len(out.Output)),
	)

	o.inst.ToolCalls.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(call.Name),
		attribute.String("status", status),
	))
	o.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(AttrToolName.String(call.Name)))

	sev := otellog.SeverityInfo
	if status != "ok" {
		sev = otellog.SeverityWarn
	}
	o.inst.emit(ctx, sev, "tool executed",
		otellog.String("tool.name", call.Name),
		otellog.String("call.id", call.ID),
		otellog.String("tool.status", status),
		otellog.Int("tool.output_length", len(out.Output)),
		otellog.Float64("tool.duration_ms", durationMs),
	)
	return out, err
}

// ReadTarget forwards to the inner backend when it can read targets, so
// wrapping does not turn off snapshots and side-effect tracking.
func (o *ObservedBackend) ReadTarget(ctx context.Context, path string) ([]byte, bool, error) {
	r, ok := o.inner.(toolflow.TargetReader)
	if !ok {
		return nil, false, toolflow.ErrNoTargetReader
	}
	return r.ReadTarget(ctx, path)
}

var (
	_ toolflow.Backend      = (*ObservedBackend)(nil)
	_ toolflow.TargetReader = (*ObservedBackend)(nil)
)
