package supervisor

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerName identifies spans emitted by the controller
const TracerName = "github.com/jrepp/deskhost/pkg/supervisor"

// Span names for the startup phases
const (
	spanStartup    = "deskhost.startup"
	spanLaunch     = "deskhost.launch"
	spanAwaitPort  = "deskhost.await_port"
	spanHealthPoll = "deskhost.health_poll"
)

// NewTracerProvider builds a provider that writes spans as JSON to w.
// Callers must Shutdown the provider to flush spans.
func NewTracerProvider(ctx context.Context, serviceName, serviceVersion string, w io.Writer) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := stdouttrace.New(
		stdouttrace.WithWriter(w),
		stdouttrace.WithPrettyPrint(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	), nil
}

func noopTracer() trace.Tracer {
	return noop.NewTracerProvider().Tracer(TracerName)
}
