package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig configures the tracer provider, narrowed from the
// teacher's Lambda-oriented TracingConfig (EnableXRay, ColdStartTimeout)
// down to the fields a long-lived daemon actually needs.
type TracingConfig struct {
	ServiceName string
	Environment string
	Endpoint    string // OTLP gRPC endpoint; empty disables export
	SampleRate  float64
}

// TracerProvider wraps the OTEL SDK provider the way the teacher's
// observability.TracerProvider does: one constructor, a Tracer() and a
// Shutdown().
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// InitTracing builds and installs the global tracer provider. If
// cfg.Endpoint is empty, spans are created but never exported — useful
// for tests and for operators who haven't deployed a collector yet.
func InitTracing(cfg TracingConfig) (*TracerProvider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "forgeflow-core"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = defaultSampleRate(cfg.Environment)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}
	opts = append(opts, sdktrace.WithResource(res))

	if cfg.Endpoint != "" {
		exporter, err := newOTLPExporter(cfg.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("observability: build exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)

	return &TracerProvider{provider: tp, tracer: tp.Tracer(cfg.ServiceName)}, nil
}

func newOTLPExporter(endpoint string) (*otlptrace.Exporter, error) {
	client := otlptracegrpc.NewClient(
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	return otlptrace.New(context.Background(), client)
}

func defaultSampleRate(environment string) float64 {
	if environment == "production" {
		return 0.1
	}
	return 1.0
}

// Shutdown flushes and stops the provider.
func (t *TracerProvider) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// StartSpan starts a span named name under the installed tracer, or under
// the global otel tracer when t is nil. No subsystem in this module calls
// it; lock, WAL and wrapper operations run without spans.
func (t *TracerProvider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := trace.Tracer(nil)
	if t != nil && t.tracer != nil {
		tracer = t.tracer
	} else {
		tracer = otel.Tracer("forgeflow-core")
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
