// Package otel wires OpenTelemetry for the board, the delivery worker and the
// gateway. Metrics always flow into a Prometheus registry served on /metrics;
// span export is opt-in through telemetry.enabled.
package otel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	TracerName = "opsboard"
	MeterName  = "opsboard"
	Version    = "v0.3.0"
)

type Config struct {
	Enabled     bool
	Exporter    string // "otlp", "stdout" or "none"
	Endpoint    string
	ServiceName string
	SampleRate  float64

	// SpanExporter replaces the exporter named by Exporter.
	SpanExporter sdktrace.SpanExporter
	// Writer receives stdout-exporter output. Defaults to stderr.
	Writer io.Writer
}

type Provider struct {
	Tracer        trace.Tracer
	Meter         metric.Meter
	MeterProvider *sdkmetric.MeterProvider
	// Registry exposes every instrument created from Meter.
	Registry *prometheus.Registry

	spans    *sdktrace.TracerProvider
	shutdown []func(context.Context) error
}

// Init builds the meter provider and, when enabled, a sampling tracer
// provider. Callers must Shutdown the result.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "opsboard"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			attribute.String("opsboard.version", Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	p := &Provider{Registry: prometheus.NewRegistry()}
	reader, err := otelprom.New(otelprom.WithRegisterer(p.Registry))
	if err != nil {
		return nil, fmt.Errorf("create prometheus reader: %w", err)
	}
	p.MeterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	p.Meter = p.MeterProvider.Meter(MeterName)
	p.shutdown = append(p.shutdown, p.MeterProvider.Shutdown)

	if !cfg.Enabled {
		p.Tracer = nooptrace.NewTracerProvider().Tracer(TracerName)
		return p, nil
	}

	exporter := cfg.SpanExporter
	if exporter == nil {
		if exporter, err = newSpanExporter(ctx, cfg); err != nil {
			_ = p.Shutdown(ctx)
			return nil, fmt.Errorf("create exporter: %w", err)
		}
	}
	sampleRate := cfg.SampleRate
	if sampleRate <= 0 || sampleRate > 1 {
		sampleRate = 1.0
	}
	p.spans = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)
	otel.SetTracerProvider(p.spans)
	p.Tracer = p.spans.Tracer(TracerName)
	p.shutdown = append(p.shutdown, p.spans.Shutdown)
	return p, nil
}

// Tracing reports whether spans are exported.
func (p *Provider) Tracing() bool { return p.spans != nil }

// ForceFlush pushes buffered spans to the exporter.
func (p *Provider) ForceFlush(ctx context.Context) error {
	if p.spans == nil {
		return nil
	}
	return p.spans.ForceFlush(ctx)
}

// Shutdown flushes and stops spans first, then metrics.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(p.shutdown) - 1; i >= 0; i-- {
		errs = append(errs, p.shutdown[i](ctx))
	}
	p.shutdown = nil
	return errors.Join(errs...)
}

func newSpanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp", "otlp-http", "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "stdout":
		w := cfg.Writer
		if w == nil {
			w = os.Stderr
		}
		return stdouttrace.New(stdouttrace.WithWriter(w))
	case "none":
		return tracetest.NewNoopExporter(), nil
	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: otlp, stdout, none)", cfg.Exporter)
	}
}
