// Package telemetry installs the process-wide OpenTelemetry tracer provider.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// DefaultServiceName is reported when no service name is configured.
const DefaultServiceName = "finops"

// Config selects the exporter.
type Config struct {
	// OTLPEndpoint is a host:port for an OTLP gRPC collector. Empty disables
	// tracing.
	OTLPEndpoint string
	ServiceName  string
}

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(context.Context) error

type options struct {
	exporter sdktrace.SpanExporter
	logger   *slog.Logger
}

// Option configures Setup.
type Option func(*options)

// WithExporter exports spans synchronously to exp instead of dialing OTLP.
func WithExporter(exp sdktrace.SpanExporter) Option {
	return func(o *options) { o.exporter = exp }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Setup installs a global tracer provider. Without an endpoint or exporter
// the global no-op provider is left alone and the returned ShutdownFunc does
// nothing.
func Setup(ctx context.Context, cfg Config, opts ...Option) (ShutdownFunc, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	var exporterOpt sdktrace.TracerProviderOption
	switch {
	case o.exporter != nil:
		exporterOpt = sdktrace.WithSyncer(o.exporter)
	case cfg.OTLPEndpoint != "":
		exp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
		exporterOpt = sdktrace.WithBatcher(exp)
	default:
		o.logger.Debug("Tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	name := cfg.ServiceName
	if name == "" {
		name = DefaultServiceName
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", name),
	))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(exporterOpt, sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	o.logger.Info("Tracing enabled",
		slog.String("service", name),
		slog.String("endpoint", cfg.OTLPEndpoint))

	return tp.Shutdown, nil
}
