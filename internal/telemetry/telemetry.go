// Package telemetry wraps OpenTelemetry tracing and metrics for the
// engines. With no providers configured every call is a no-op.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ScopeName is the instrumentation scope of every tracer and meter.
const ScopeName = "github.com/rendis/flowcore"

// Component names used as the "component" attribute.
const (
	ComponentWorkflow = "workflow"
	ComponentPipeline = "pipeline"
	ComponentEventBus = "eventbus"
)

// Telemetry holds the tracer and the instruments shared by the engines.
type Telemetry struct {
	tracer       trace.Tracer
	steps        metric.Int64Counter
	stepDuration metric.Float64Histogram
	executions   metric.Int64Counter
	deliveries   metric.Int64Counter
}

// New builds instruments from the given providers.
func New(tp trace.TracerProvider, mp metric.MeterProvider) *Telemetry {
	meter := mp.Meter(ScopeName)
	t := &Telemetry{tracer: tp.Tracer(ScopeName)}

	// Instrument constructors fall back to no-op instruments on error.
	t.steps, _ = meter.Int64Counter("flowcore.step.executions",
		metric.WithDescription("Step attempts by outcome"),
		metric.WithUnit("{attempt}"))
	t.stepDuration, _ = meter.Float64Histogram("flowcore.step.duration",
		metric.WithDescription("Duration of step attempts in seconds"),
		metric.WithUnit("s"))
	t.executions, _ = meter.Int64Counter("flowcore.executions",
		metric.WithDescription("Finished executions by outcome"),
		metric.WithUnit("{execution}"))
	t.deliveries, _ = meter.Int64Counter("flowcore.event.deliveries",
		metric.WithDescription("Event bus delivery attempts by outcome"),
		metric.WithUnit("{delivery}"))
	return t
}

// Global uses the process-wide providers registered with otel.
func Global() *Telemetry {
	return New(otel.GetTracerProvider(), otel.GetMeterProvider())
}

// OrGlobal returns t, or Global when t is nil.
func OrGlobal(t *Telemetry) *Telemetry {
	if t == nil {
		return Global()
	}
	return t
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// StartStep opens a span for one step attempt. The returned func ends it and
// records the attempt's duration and outcome.
func (t *Telemetry) StartStep(ctx context.Context, component, executionID, stepID, stepType string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := t.tracer.Start(ctx, "flowcore."+component+".step",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("flowcore.execution.id", executionID),
			attribute.String("flowcore.step.id", stepID),
			attribute.String("flowcore.step.type", stepType),
		))
	return ctx, func(err error) {
		attrs := metric.WithAttributes(
			attribute.String("component", component),
			attribute.String("step_type", stepType),
			attribute.String("status", status(err)),
		)
		t.stepDuration.Record(ctx, time.Since(start).Seconds(), attrs)
		t.steps.Add(ctx, 1, attrs)
		end(span, err)
	}
}

// StartExecution opens a span covering a whole execution or pipeline run.
// The returned func takes the final status label and error.
func (t *Telemetry) StartExecution(ctx context.Context, component, executionID, name string) (context.Context, func(string, error)) {
	ctx, span := t.tracer.Start(ctx, "flowcore."+component+".execution",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("flowcore.execution.id", executionID),
			attribute.String("flowcore.name", name),
		))
	return ctx, func(final string, err error) {
		span.SetAttributes(attribute.String("flowcore.status", final))
		t.executions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("component", component),
			attribute.String("status", final),
		))
		end(span, err)
	}
}

// RecordDelivery counts one event bus delivery attempt. outcome is
// "published", "retry" or "dlq".
func (t *Telemetry) RecordDelivery(ctx context.Context, module, outcome string) {
	t.deliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("module", module),
		attribute.String("outcome", outcome),
	))
}
