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

// ObservedModel wraps a toolflow.Model with OTEL instrumentation.
type ObservedModel struct {
	inner toolflow.Model
	model string
	inst  *Instruments
}

// WrapModel returns an instrumented model. model is the model identifier
// used for pricing, e.g. "gpt-4o-mini".
func WrapModel(inner toolflow.Model, model string, inst *Instruments) *ObservedModel {
	return &ObservedModel{inner: inner, model: model, inst: inst}
}

func (o *ObservedModel) Name() string { return o.inner.Name() }

// Converse forwards every event of the inner model to ch and records usage
// from its done event. ch is closed when Converse returns.
func (o *ObservedModel) Converse(ctx context.Context, req toolflow.ModelRequest, ch chan<- toolflow.ModelEvent) error {
	ctx, span := o.inst.Tracer.Start(ctx, "model.converse", trace.WithAttributes(
		AttrModelName.String(o.inner.Name()),
		AttrModelID.String(o.model),
		AttrToolCount.Int(len(req.Tools)),
	))
	defer span.End()
	start := time.Now()

	// The inner model must never block on us while we block on ch.
	inner := make(chan toolflow.ModelEvent, max(cap(ch), 64))
	var (
		events int
		usage  toolflow.Usage
	)
	done := make(chan struct{})
	go func() {
		defer close(ch)
		defer close(done)
		for ev := range inner {
			events++
			if ev.Type == toolflow.ModelDone {
				usage = ev.Usage
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				for range inner {
				}
				return
			}
		}
	}()

	err := o.inner.Converse(ctx, req, inner)
	<-done

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(AttrStreamEvents.Int(events))
	o.record(ctx, span, status, durationMs, usage)
	return err
}

func (o *ObservedModel) record(ctx context.Context, span trace.Span, status string, durationMs float64, usage toolflow.Usage) {
	cost := o.inst.Cost.Calculate(o.model, usage.InputTokens, usage.OutputTokens)
	span.SetAttributes(
		AttrTokensInput.Int(usage.InputTokens),
		AttrTokensOutput.Int(usage.OutputTokens),
		AttrCostUSD.Float64(cost),
	)

	model := AttrModelID.String(o.model)
	o.inst.TokenUsage.Add(ctx, int64(usage.InputTokens), metric.WithAttributes(model, attribute.String("direction", "input")))
	o.inst.TokenUsage.Add(ctx, int64(usage.OutputTokens), metric.WithAttributes(model, attribute.String("direction", "output")))
	o.inst.CostTotal.Add(ctx, cost, metric.WithAttributes(model))
	o.inst.ModelRequests.Add(ctx, 1, metric.WithAttributes(model, attribute.String("status", status)))
	o.inst.ModelDuration.Record(ctx, durationMs, metric.WithAttributes(model))

	o.inst.emit(ctx, otellog.SeverityInfo, "model call completed",
		otellog.String("model.id", o.model),
		otellog.String("model.name", o.inner.Name()),
		otellog.Int("model.tokens.input", usage.InputTokens),
		otellog.Int("model.tokens.output", usage.OutputTokens),
		otellog.Float64("model.cost_usd", cost),
		otellog.Float64("model.duration_ms", durationMs),
		otellog.String("status", status),
	)
}

var _ toolflow.Model = (*ObservedModel)(nil)
