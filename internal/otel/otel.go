// Package otel sets up tracing and metrics for the supervisor, the memory
// store and the embedding client. With telemetry disabled every tracer and
// instrument is a no-op.
package otel

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	// ScopeName is the instrumentation scope for traces and metrics.
	ScopeName = "github.com/basket/go-crew"
	// Version is reported in the telemetry resource.
	Version = "v0.1-dev"
)

// Exporters understood by Init.
const (
	ExporterOTLPHTTP = "otlp-http"
	ExporterFile     = "file"
	ExporterNone     = "none"
)

type Config struct {
	Enabled     bool
	Exporter    string
	Endpoint    string
	ServiceName string
	SampleRate  float64
	// MetricsEnabled nil means on.
	MetricsEnabled *bool
	// Identity tags the resource so several orchestrators on one collector
	// can be told apart.
	Identity string
	// SpanWriter receives JSON spans for the file exporter. Stdout carries
	// the tool protocol under `gocrew serve`, so it is never the default.
	SpanWriter io.Writer
}

// Provider wraps OTel tracer and meter providers with cleanup.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	shutdown       []func(context.Context) error
}

func noopProvider() *Provider {
	mp := noop.NewMeterProvider()
	return &Provider{
		Tracer:        nooptrace.NewTracerProvider().Tracer(ScopeName),
		Meter:         mp.Meter(ScopeName),
		MeterProvider: mp,
	}
}

// Init returns a Provider that must be Shutdown on exit. A disabled config
// yields no-op instruments.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return noopProvider(), nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "gocrew"
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(Version),
	}
	if cfg.Identity != "" {
		attrs = append(attrs, AttrIdentity.String(cfg.Identity))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}
	rate := cfg.SampleRate
	if rate <= 0 || rate > 1 {
		rate = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	)
	otel.SetTracerProvider(tp)

	p := &Provider{
		TracerProvider: tp,
		Tracer:         tp.Tracer(ScopeName, trace.WithInstrumentationVersion(Version)),
		shutdown:       []func(context.Context) error{tp.Shutdown},
	}
	if cfg.MetricsEnabled != nil && !*cfg.MetricsEnabled {
		mp := noop.NewMeterProvider()
		p.MeterProvider, p.Meter = mp, mp.Meter(ScopeName)
		return p, nil
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	p.MeterProvider, p.Meter = mp, mp.Meter(ScopeName)
	p.shutdown = append(p.shutdown, mp.Shutdown)
	return p, nil
}

// Shutdown flushes pending spans and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		errs = append(errs, fn(ctx))
	}
	return errors.Join(errs...)
}

func newSpanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterOTLPHTTP, "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case ExporterFile:
		if cfg.SpanWriter == nil {
			return nil, errors.New("file exporter needs a span writer")
		}
		return stdouttrace.New(stdouttrace.WithWriter(cfg.SpanWriter))
	case ExporterNone:
		return discardExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown exporter %q (supported: %s, %s, %s)", cfg.Exporter, ExporterOTLPHTTP, ExporterFile, ExporterNone)
	}
}

type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                             { return nil }
