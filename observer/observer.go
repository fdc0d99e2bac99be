// Package observer exports toolflow telemetry through OpenTelemetry.
//
// Init configures OTLP/HTTP exporters for traces, metrics and logs from the
// standard OTEL_* environment variables. NewTracer plugs the trace provider
// into a Session; WrapModel, WrapBackend and WrapCheckpointer add metrics and
// structured log records around the session's collaborators.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/xiaochunkun/toolflow/observer"

// Instruments holds the OTEL instruments shared by the wrappers.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	TokenUsage    metric.Int64Counter
	CostTotal     metric.Float64Counter
	ModelRequests metric.Int64Counter
	ModelDuration metric.Float64Histogram

	ToolCalls    metric.Int64Counter
	ToolDuration metric.Float64Histogram

	CallTransitions metric.Int64Counter
	TargetSnapshots metric.Int64Counter

	Cost *CostCalculator
}

// Init sets up OTEL trace, metric and log providers with OTLP HTTP exporters
// and returns the instruments plus a shutdown function to call on exit.
func Init(ctx context.Context, service string, pricing map[string]ModelPricing) (*Instruments, func(context.Context) error, error) {
	if service == "" {
		service = "toolflow"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(service)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := NewInstruments(pricing)
	if err != nil {
		_ = errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx), lp.Shutdown(ctx))
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}
	return inst, shutdown, nil
}

// NewInstruments creates instruments on the global providers. Without Init
// the providers are no-ops, which is what tests rely on.
func NewInstruments(pricing map[string]ModelPricing) (*Instruments, error) {
	meter := otel.Meter(scopeName)
	inst := &Instruments{
		Tracer: otel.Tracer(scopeName),
		Meter:  meter,
		Logger: global.GetLoggerProvider().Logger(scopeName),
		Cost:   NewCostCalculator(pricing),
	}

	var err error
	counter := func(name, desc, unit string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		return c
	}
	histogram := func(name, desc string) metric.Float64Histogram {
		if err != nil {
			return nil
		}
		var h metric.Float64Histogram
		h, err = meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("ms"))
		return h
	}

	inst.TokenUsage = counter("model.token.usage", "Tokens consumed by model calls", "{token}")
	inst.ModelRequests = counter("model.requests", "Model call count", "{request}")
	inst.ModelDuration = histogram("model.duration", "Model call duration")
	inst.ToolCalls = counter("tool.calls", "Tool call attempts", "{call}")
	inst.ToolDuration = histogram("tool.duration", "Tool call attempt duration")
	inst.CallTransitions = counter("call.transitions", "Call status transitions", "{transition}")
	inst.TargetSnapshots = counter("call.snapshots", "Target snapshots taken before writes", "{snapshot}")
	if err != nil {
		return nil, err
	}
	inst.CostTotal, err = meter.Float64Counter("model.cost.total",
		metric.WithDescription("Cumulative model cost in USD"),
		metric.WithUnit("USD"))
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// emit writes one structured log record.
func (i *Instruments) emit(ctx context.Context, sev otellog.Severity, body string, attrs ...otellog.KeyValue) {
	var rec otellog.Record
	rec.SetSeverity(sev)
	rec.SetBody(otellog.StringValue(body))
	rec.AddAttributes(attrs...)
	i.Logger.Emit(ctx, rec)
}
