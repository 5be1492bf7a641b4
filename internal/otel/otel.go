// Package otel wires OpenTelemetry for sqlcat. Metrics are always collected
// in-process so the shell can report them; traces are exported only when
// enabled in the config.
package otel

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// ScopeName is the instrumentation scope for sqlcat traces and metrics.
const ScopeName = "sqlcat"

// Config selects where traces go.
type Config struct {
	Enabled        bool
	Exporter       string // otlp-http, stdout or none
	Endpoint       string
	ServiceName    string
	ServiceVersion string // reported as sqlcat.version
	SampleRate     float64
}

// Provider bundles the tracer and meter handed to components.
type Provider struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	traces *sdktrace.TracerProvider // nil when tracing is off
	meters *sdkmetric.MeterProvider
	reader *sdkmetric.ManualReader
}

// MetricValue is one instrument reading. Counters report their sum;
// histograms report the number of observations and their sum.
type MetricValue struct {
	Name  string
	Unit  string
	Count uint64
	Sum   float64
}

// Noop returns a provider with tracing off and a private meter.
func Noop() *Provider {
	p, _ := Init(context.Background(), Config{})
	return p
}

// Init builds a Provider. Tracing is installed as the global tracer provider
// only when cfg.Enabled is set. The Provider must be shut down on exit.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "sqlcat"
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(serviceName)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, attribute.String("sqlcat.version", cfg.ServiceVersion))
	}
	res := resource.NewSchemaless(attrs...)

	reader := sdkmetric.NewManualReader()
	meters := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))
	p := &Provider{
		Tracer: nooptrace.NewTracerProvider().Tracer(ScopeName),
		Meter:  meters.Meter(ScopeName),
		meters: meters,
		reader: reader,
	}
	if !cfg.Enabled {
		return p, nil
	}

	exporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		_ = meters.Shutdown(ctx)
		return nil, fmt.Errorf("create exporter: %w", err)
	}
	rate := cfg.SampleRate
	if rate <= 0 || rate > 1 {
		rate = 1
	}
	p.traces = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	)
	otel.SetTracerProvider(p.traces)
	p.Tracer = p.traces.Tracer(ScopeName)
	return p, nil
}

// TracingEnabled reports whether spans are exported.
func (p *Provider) TracingEnabled() bool {
	return p != nil && p.traces != nil
}

// Snapshot collects the current value of every instrument, sorted by name.
func (p *Provider) Snapshot(ctx context.Context) ([]MetricValue, error) {
	if p == nil || p.reader == nil {
		return nil, nil
	}
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}

	var out []MetricValue
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			v := MetricValue{Name: m.Name, Unit: m.Unit}
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					v.Sum += float64(dp.Value)
				}
			case metricdata.Sum[float64]:
				for _, dp := range data.DataPoints {
					v.Sum += dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					v.Count += dp.Count
					v.Sum += dp.Sum
				}
			default:
				continue
			}
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Shutdown flushes pending spans and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.traces != nil {
		errs = append(errs, p.traces.Shutdown(ctx))
	}
	if p.meters != nil {
		errs = append(errs, p.meters.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func newSpanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "", "otlp-http":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return discardExporter{}, nil
	}
	return nil, fmt.Errorf("unknown exporter %q (supported: otlp-http, stdout, none)", cfg.Exporter)
}

type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                             { return nil }
