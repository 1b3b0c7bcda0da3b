// Package telemetry supplies the InitTracer the teacher's main.go calls but
// never actually shipped: a stdout span exporter wired through the otel SDK
// pinned in go.mod (go.opentelemetry.io/otel, otel/sdk,
// otel/exporters/stdout/stdouttrace), not a heavier OTLP exporter that
// would need a dependency outside the teacher's own requirements.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// ShutdownFunc flushes and closes the tracer provider.
type ShutdownFunc func(ctx context.Context) error

// InitTracer registers a global TracerProvider that exports spans to
// stdout, suitable for local development and for environments without a
// collector. Returns a ShutdownFunc the caller must invoke on exit.
func InitTracer(serviceName string) (ShutdownFunc, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("telemetry: create stdout exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}
