// Package telemetry wires OpenTelemetry for the job daemon: job spans go to an
// OTLP/HTTP collector such as Jaeger, and orchestrator metrics go through the
// Prometheus exporter into the default registry.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	metricsdk "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentation = "mosaicd"
	version         = "1.0.0"
	tracesPath      = "/v1/traces"
)

// Config selects where job traces and metrics are sent.
type Config struct {
	Enabled bool
	// JaegerEndpoint is host:port or an http(s) URL of an OTLP/HTTP collector.
	JaegerEndpoint string
	SampleRate     float64
	Environment    string
	NodeID         string

	// PrometheusEnabled installs the Prometheus exporter as the global meter
	// provider.
	PrometheusEnabled bool
}

// Provider owns the trace and meter providers of the daemon. A disabled
// provider falls back to the global no-op implementations.
type Provider struct {
	cfg    Config
	traces *tracesdk.TracerProvider
	meters *metricsdk.MeterProvider
}

// NewProvider installs global trace and meter providers for cfg.
func NewProvider(cfg Config) (*Provider, error) {
	p := &Provider{cfg: cfg}
	if !cfg.Enabled {
		return p, nil
	}
	target, err := collectorTarget(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(instrumentation),
			semconv.ServiceVersion(version),
			attribute.String("deployment.environment", cfg.Environment),
			attribute.String("mosaic.worker", cfg.NodeID),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build telemetry resource: %w", err)
	}

	if p.traces, err = newTracerProvider(target, cfg.SampleRate, res); err != nil {
		return nil, err
	}
	otel.SetTracerProvider(p.traces)

	if cfg.PrometheusEnabled {
		exporter, err := prometheus.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		p.meters = metricsdk.NewMeterProvider(metricsdk.WithResource(res), metricsdk.WithReader(exporter))
		otel.SetMeterProvider(p.meters)
	}
	return p, nil
}

// collector is a parsed OTLP/HTTP endpoint.
type collector struct {
	host   string
	secure bool
}

// collectorTarget validates cfg and splits the collector endpoint. A bare
// host:port is treated as plain http.
func collectorTarget(cfg Config) (collector, error) {
	if cfg.SampleRate < 0 || cfg.SampleRate > 1 {
		return collector{}, fmt.Errorf("sample rate %v is outside [0, 1]", cfg.SampleRate)
	}
	raw := strings.TrimSpace(cfg.JaegerEndpoint)
	if raw == "" {
		return collector{}, errors.New("jaeger endpoint is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return collector{}, fmt.Errorf("jaeger endpoint: %w", err)
	}
	if u.Host == "" {
		return collector{}, fmt.Errorf("jaeger endpoint %q has no host", cfg.JaegerEndpoint)
	}
	switch u.Scheme {
	case "http":
		return collector{host: u.Host}, nil
	case "https":
		return collector{host: u.Host, secure: true}, nil
	default:
		return collector{}, fmt.Errorf("jaeger endpoint scheme %q is not http or https", u.Scheme)
	}
}

func newTracerProvider(target collector, sampleRate float64, res *resource.Resource) (*tracesdk.TracerProvider, error) {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(target.host),
		otlptracehttp.WithURLPath(tracesPath),
	}
	if !target.secure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}
	return tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exporter,
			tracesdk.WithMaxExportBatchSize(512),
			tracesdk.WithMaxQueueSize(2048),
			tracesdk.WithBatchTimeout(5*time.Second),
		),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(sampleRate))),
	), nil
}

// Shutdown flushes pending spans and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.traces != nil {
		if err := p.traces.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider: %w", err))
		}
	}
	if p.meters != nil {
		if err := p.meters.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Tracer returns the daemon tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.traces == nil {
		return otel.Tracer(instrumentation)
	}
	return p.traces.Tracer(instrumentation)
}

// Meter returns the daemon meter.
func (p *Provider) Meter() metric.Meter {
	if p.meters == nil {
		return otel.Meter(instrumentation)
	}
	return p.meters.Meter(instrumentation)
}

// HealthCheck reports whether the configured exporters were installed.
func (p *Provider) HealthCheck() error {
	switch {
	case !p.cfg.Enabled:
		return nil
	case p.traces == nil:
		return errors.New("tracer provider not initialized")
	case p.cfg.PrometheusEnabled && p.meters == nil:
		return errors.New("prometheus is enabled but the meter provider is not initialized")
	}
	return nil
}
