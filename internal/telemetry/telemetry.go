// Package telemetry configures OpenTelemetry tracing.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/scania/scanhub/internal/model"
)

const (
	ServiceName     = "scanhub"
	instrumentation = "github.com/scania/scanhub"
	connectTimeout  = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Shutdown flushes and stops the tracer provider.
type Shutdown func(context.Context) error

// Tracer returns the tracer of the global provider. Without Setup it is a no-op.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentation)
}

// Setup installs a global tracer provider exporting over OTLP/gRPC. A nil
// config leaves the no-op provider in place.
func Setup(ctx context.Context, cfg *model.Tracing, version string) (Shutdown, error) {
	if cfg == nil || cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating otlp exporter: %w", err)
	}
	tp := NewProvider(exporter, version, sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return shutdown(tp), nil
}

// NewProvider builds a tracer provider for exporter. Without extra options
// spans are exported synchronously.
func NewProvider(exporter sdktrace.SpanExporter, version string, opts ...sdktrace.TracerProviderOption) *sdktrace.TracerProvider {
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(ServiceName),
		semconv.ServiceVersion(version),
		attribute.String("service.component", "orchestrator"),
	)
	if len(opts) == 0 {
		opts = []sdktrace.TracerProviderOption{sdktrace.WithSyncer(exporter)}
	}
	opts = append(opts, sdktrace.WithResource(res), sdktrace.WithSampler(sdktrace.AlwaysSample()))
	return sdktrace.NewTracerProvider(opts...)
}

func shutdown(tp *sdktrace.TracerProvider) Shutdown {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
		return tp.Shutdown(ctx)
	}
}
