package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "aeor"

var (
	AttrStage  = attribute.Key("aeor.stage")
	AttrStatus = attribute.Key("aeor.status")
	attrOp     = attribute.Key("operation")
)

// Config selects where spans and metrics are exported.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// OTLPEndpoint is a gRPC host:port.
	OTLPEndpoint   string
	SampleRate     float64
	BatchTimeout   time.Duration
	MetricInterval time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig exports nothing until Enabled is set.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "aeor",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		MetricInterval: 15 * time.Second,
	}
}

// Provider owns the tracer and meter for the process and implements aeor.Tracker.
type Provider struct {
	config *Config
	logger *slog.Logger
	slo    *SLOTracker

	traces  *sdktrace.TracerProvider
	metrics *sdkmetric.MeterProvider
	tracer  trace.Tracer

	operations metric.Int64Counter
	failures   metric.Int64Counter
	inFlight   metric.Int64UpDownCounter
	latency    metric.Float64Histogram
	statuses   metric.Int64Counter
}

// New builds a Provider. A disabled provider records nothing in OTel but still feeds the SLO tracker.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
		slo:    NewSLOTracker(DefaultObjectives()...),
	}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
		semconv.DeploymentEnvironment(config.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("observability resource: %w", err)
	}

	spanExporter, err := otlptracegrpc.New(ctx, p.traceOptions()...)
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	metricExporter, err := otlpmetricgrpc.New(ctx, p.metricOptions()...)
	if err != nil {
		_ = spanExporter.Shutdown(ctx)
		return nil, fmt.Errorf("metric exporter: %w", err)
	}

	p.traces = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(config.SampleRate)),
		sdktrace.WithBatcher(spanExporter, sdktrace.WithBatchTimeout(config.BatchTimeout)),
	)
	interval := config.MetricInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	p.metrics = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(interval))),
	)

	otel.SetTracerProvider(p.traces)
	otel.SetMeterProvider(p.metrics)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	p.tracer = p.traces.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.useMeter(p.metrics.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))); err != nil {
		return nil, errors.Join(fmt.Errorf("instruments: %w", err), p.Shutdown(ctx))
	}

	p.logger.InfoContext(ctx, "observability enabled",
		"endpoint", config.OTLPEndpoint,
		"environment", config.Environment,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

func (p *Provider) traceOptions() []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return opts
}

func (p *Provider) metricOptions() []otlpmetricgrpc.Option {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	return opts
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// useMeter creates the instruments on m.
func (p *Provider) useMeter(m metric.Meter) error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var err error
	p.operations, err = m.Int64Counter("aeor.operations.total", metric.WithUnit("{operation}"),
		metric.WithDescription("Tracked orchestrator operations"))
	collect(err)
	p.failures, err = m.Int64Counter("aeor.errors.total", metric.WithUnit("{error}"),
		metric.WithDescription("Tracked operations that returned an error"))
	collect(err)
	p.inFlight, err = m.Int64UpDownCounter("aeor.operations.active", metric.WithUnit("{operation}"),
		metric.WithDescription("Operations in flight"))
	collect(err)
	p.latency, err = m.Float64Histogram("aeor.operation.duration", metric.WithUnit("s"),
		metric.WithDescription("Operation latency"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60))
	collect(err)
	p.statuses, err = m.Int64Counter("aeor.orchestrations.total", metric.WithUnit("{result}"),
		metric.WithDescription("Orchestration results by stage and status"))
	collect(err)

	return errors.Join(errs...)
}

// Shutdown flushes pending spans and metrics.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.traces != nil {
		errs = append(errs, p.traces.Shutdown(ctx))
	}
	if p.metrics != nil {
		errs = append(errs, p.metrics.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		p.logger.ErrorContext(ctx, "observability shutdown", "error", err)
		return err
	}
	return nil
}

// Tracer falls back to the global tracer when export is disabled.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer != nil {
		return p.tracer
	}
	return otel.Tracer(instrumentationName)
}

// SLO returns the tracker fed by TrackOperation.
func (p *Provider) SLO() *SLOTracker { return p.slo }

// TrackOperation opens a span named name. The returned func ends it and records
// latency and outcome for both metrics and SLOs.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
	op := metric.WithAttributes(attrOp.String(name))

	if p.operations != nil {
		p.operations.Add(ctx, 1, op)
		p.inFlight.Add(ctx, 1, op)
	}

	return ctx, func(err error) {
		elapsed := time.Since(start)
		if p.operations != nil {
			p.inFlight.Add(ctx, -1, op)
			p.latency.Record(ctx, elapsed.Seconds(), op)
			if err != nil {
				p.failures.Add(ctx, 1, op)
			}
		}
		if err != nil {
			span.RecordError(err)
		}
		p.slo.Record(Observation{Operation: name, Latency: elapsed, Success: err == nil})
		span.End()
	}
}

// RecordStatus counts one terminal result and tags the current span with it.
func (p *Provider) RecordStatus(ctx context.Context, stage, status string) {
	attrs := []attribute.KeyValue{AttrStage.String(stage), AttrStatus.String(status)}
	if p.statuses != nil {
		p.statuses.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}
