// Package otel wires OpenTelemetry for the todo agent. Metrics are always
// kept in-process behind a manual reader so the gateway can report them;
// span export is opt-in through Config.
package otel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	InstrumentationName = "todoagent"
	Version             = "v0.1.0"
)

// Config controls span export. Metrics do not depend on it.
type Config struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http (default), stdout, none
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Provider owns the tracer and meter used by the pipeline.
type Provider struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	reader   *sdkmetric.ManualReader
	closers  []func(context.Context) error
	exported bool
}

// Init builds the provider. Shutdown must be called on exit.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	name := cfg.ServiceName
	if name == "" {
		name = InstrumentationName
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(name),
		semconv.ServiceVersion(Version),
	))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))
	p := &Provider{
		Tracer:  nooptrace.NewTracerProvider().Tracer(InstrumentationName),
		Meter:   mp.Meter(InstrumentationName),
		reader:  reader,
		closers: []func(context.Context) error{mp.Shutdown},
	}
	if !cfg.Enabled {
		return p, nil
	}

	exporter, err := spanExporter(ctx, cfg)
	if err != nil {
		_ = mp.Shutdown(ctx)
		return nil, fmt.Errorf("otel exporter: %w", err)
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
	// The global provider is what otelhttp picks up for gateway spans.
	otel.SetTracerProvider(tp)
	p.Tracer = tp.Tracer(InstrumentationName)
	p.closers = append(p.closers, tp.Shutdown)
	p.exported = true
	return p, nil
}

// NoopProvider records nothing; Snapshot returns an empty map.
func NoopProvider() *Provider {
	return &Provider{
		Tracer: nooptrace.NewTracerProvider().Tracer(InstrumentationName),
		Meter:  noop.NewMeterProvider().Meter(InstrumentationName),
	}
}

// Exporting reports whether spans leave the process.
func (p *Provider) Exporting() bool { return p.exported }

// Shutdown flushes spans and stops every provider, newest first.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		errs = append(errs, p.closers[i](ctx))
	}
	p.closers = nil
	return errors.Join(errs...)
}

// Snapshot flattens the current metric values to one entry per instrument
// and attribute set, e.g. "todo.requests{todo.state=Responding}". Histograms
// contribute ".count" and ".sum" entries.
func (p *Provider) Snapshot(ctx context.Context) (map[string]float64, error) {
	out := map[string]float64{}
	if p.reader == nil {
		return out, nil
	}
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out[seriesName(m.Name, dp.Attributes)] += float64(dp.Value)
				}
			case metricdata.Sum[float64]:
				for _, dp := range data.DataPoints {
					out[seriesName(m.Name, dp.Attributes)] += dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					key := seriesName(m.Name, dp.Attributes)
					out[key+".count"] += float64(dp.Count)
					out[key+".sum"] += dp.Sum
				}
			}
		}
	}
	return out, nil
}

func seriesName(name string, set attribute.Set) string {
	kvs := set.ToSlice()
	if len(kvs) == 0 {
		return name
	}
	parts := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		parts = append(parts, string(kv.Key)+"="+kv.Value.Emit())
	}
	sort.Strings(parts)
	return name + "{" + strings.Join(parts, ",") + "}"
}

func spanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp-http", "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return discardExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown exporter %q (supported: otlp-http, stdout, none)", cfg.Exporter)
	}
}

type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                             { return nil }
