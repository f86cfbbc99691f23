// Package telemetry configures OpenTelemetry tracing for the chronos daemon.
//
// One parent span covers an investigation; each OODA phase, remediation
// action and build pipeline gets a child span. Custom span attributes use
// the `chronos.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "chronos-ops.io/daemon"
)

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC
// exporter. If endpoint is empty, tracing is disabled (noop provider).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		// No-op: tracing disabled
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("chronosd"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartInvestigationSpan creates the parent span for one investigation.
func StartInvestigationSpan(ctx context.Context, incidentID, severity string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "investigation.run",
		trace.WithAttributes(
			attribute.String("chronos.incident_id", incidentID),
			attribute.String("chronos.severity", severity),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartPhaseSpan creates a child span for one OODA phase.
func StartPhaseSpan(ctx context.Context, incidentID, phase string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "investigation.phase",
		trace.WithAttributes(
			attribute.String("chronos.incident_id", incidentID),
			attribute.String("chronos.phase", phase),
		),
	)
}

// EndPhaseSpan enriches the phase span with its exit condition.
func EndPhaseSpan(span trace.Span, nextPhase, reason string) {
	span.SetAttributes(
		attribute.String("chronos.next_phase", nextPhase),
		attribute.String("chronos.transition_reason", reason),
	)
	span.End()
}

// StartActionSpan creates a child span for a remediation action.
func StartActionSpan(ctx context.Context, actionType, target string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "investigation.action",
		trace.WithAttributes(
			attribute.String("chronos.action_type", actionType),
			attribute.String("chronos.target", target),
		),
	)
}

// EndActionSpan enriches the action span with its result.
func EndActionSpan(span trace.Span, success bool, durationMs int64) {
	span.SetAttributes(
		attribute.Bool("chronos.action_success", success),
		attribute.Int64("chronos.action_duration_ms", durationMs),
	)
	span.End()
}

// StartBuildSpan creates a span for one build pipeline.
func StartBuildSpan(ctx context.Context, app, scope string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "build.pipeline",
		trace.WithAttributes(
			attribute.String("chronos.app", app),
			attribute.String("chronos.build_scope", scope),
		),
	)
}

// EndBuildSpan enriches the build span with its outcome.
func EndBuildSpan(span trace.Span, stage string, success bool) {
	span.SetAttributes(
		attribute.String("chronos.build_stage", stage),
		attribute.Bool("chronos.build_success", success),
	)
	span.End()
}

// StartRollbackSpan creates a span for a rollback decision or execution.
func StartRollbackSpan(ctx context.Context, incidentID, deployment string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "rollback.request",
		trace.WithAttributes(
			attribute.String("chronos.incident_id", incidentID),
			attribute.String("chronos.deployment", deployment),
		),
	)
}
