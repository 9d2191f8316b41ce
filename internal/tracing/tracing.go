package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config selects where attach-cycle spans go
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string  // host:port of an OTLP HTTP collector; empty keeps spans in-process
	SampleRatio    float64 // fraction of cycles kept; 0 or >= 1 keeps all
}

// Enabled reports whether spans leave the process
func (c Config) Enabled() bool {
	return c.OTLPEndpoint != ""
}

func (c Config) sampler() sdktrace.Sampler {
	if c.SampleRatio <= 0 || c.SampleRatio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.SampleRatio))
}

// Provider owns the SDK tracer provider for the life of the daemon
type Provider struct {
	tp   *sdktrace.TracerProvider
	name string
}

// InitTracer builds the tracer provider. Without an endpoint spans are
// created for in-process consumers and dropped on End.
func InitTracer(ctx context.Context, cfg Config, logger *zap.Logger) (*Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(cfg.sampler()),
	}

	if !cfg.Enabled() {
		logger.Debug("span export disabled")
		return &Provider{tp: sdktrace.NewTracerProvider(opts...), name: cfg.ServiceName}, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(append(opts, sdktrace.WithBatcher(exporter))...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("exporting spans",
		zap.String("endpoint", cfg.OTLPEndpoint),
		zap.Float64("sample_ratio", cfg.SampleRatio))
	return &Provider{tp: tp, name: cfg.ServiceName}, nil
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	own, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	res, err := resource.Merge(resource.Default(), own)
	if err != nil {
		// conflicting schema URLs; the service attributes are what matter
		return own, nil
	}
	return res, nil
}

// Shutdown flushes pending spans
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// Tracer returns the tracer for attach cycles
func (p *Provider) Tracer() trace.Tracer {
	return p.tp.Tracer(p.name)
}

// End finishes span, marking it failed when err is set
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
