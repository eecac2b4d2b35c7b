package observability

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const ServiceName = "relay-engine"

// ErrorKind tags recorded span errors for filtering.
type ErrorKind string

const (
	ErrorKindDB       ErrorKind = "db"
	ErrorKindRedis    ErrorKind = "redis"
	ErrorKindRabbitMQ ErrorKind = "rabbitmq"
	ErrorKindPush     ErrorKind = "push"
	ErrorKindInternal ErrorKind = "internal"
)

// Tracer returns the process-wide tracer for relay-engine spans.
func Tracer() trace.Tracer {
	return otel.Tracer(ServiceName)
}

// InitTracing installs an OTLP/gRPC exporting tracer provider. With an empty
// endpoint the global no-op provider stays in place.
func InitTracing(ctx context.Context, endpoint string, logger *zap.Logger) (func(context.Context) error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		logger.Info("tracing exporter disabled")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", ServiceName),
		)),
	)
	otel.SetTracerProvider(provider)

	logger.Info("tracing exporter enabled", zap.String("endpoint", endpoint))
	return provider.Shutdown, nil
}

// RecordError marks span as failed with err and a kind attribute.
func RecordError(span trace.Span, err error, kind ErrorKind, attrs ...attribute.KeyValue) {
	if span == nil || err == nil {
		return
	}

	span.RecordError(err)
	span.SetAttributes(
		attribute.String("error.type", string(kind)),
		attribute.String("error.message", err.Error()),
	)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	span.SetStatus(codes.Error, err.Error())
}
