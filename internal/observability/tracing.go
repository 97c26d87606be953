package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerName is the instrumentation scope every maestro span is created under.
const TracerName = "maestro"

// Span names.
const (
	SpanWorkflowRun  = "maestro.workflow.run"
	SpanStageExecute = "maestro.stage.execute"
)

// Attribute keys.
const (
	AttrWorkflowID = "maestro.workflow_id"
	AttrSessionID  = "maestro.session_id"
	AttrStageID    = "maestro.stage_id"
	AttrAgentRole  = "maestro.agent_role"
)

// SetupTracing installs the global tracer provider. exporter is "" for the
// no-op provider or "stdout" for the span-per-line stdout exporter. The
// returned shutdown flushes buffered spans.
func SetupTracing(exporter, serviceVersion string) (func(context.Context) error, error) {
	switch exporter {
	case "":
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout trace exporter: %w", err)
		}
		res, err := resource.New(context.Background(), resource.WithAttributes(
			semconv.ServiceName("maestro"),
			semconv.ServiceVersion(serviceVersion),
		))
		if err != nil {
			return nil, fmt.Errorf("build trace resource: %w", err)
		}
		provider := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(provider)
		return provider.Shutdown, nil
	default:
		return nil, fmt.Errorf("unsupported trace exporter %q", exporter)
	}
}

// Tracer returns the maestro tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// WorkflowAttrs builds the common span attributes for one workflow.
func WorkflowAttrs(workflowID, sessionID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrWorkflowID, workflowID),
		attribute.String(AttrSessionID, sessionID),
	}
}

// StageAttrs builds the common span attributes for one stage.
func StageAttrs(stageID, role string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrStageID, stageID),
		attribute.String(AttrAgentRole, role),
	}
}
