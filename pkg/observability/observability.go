// Package observability provides OpenTelemetry metrics and tracing for chainwatch.
//
// Metrics are always collected and exported through a Prometheus registry
// served on /metrics. When OTLP export is enabled, traces and metrics are also
// pushed to a collector over gRPC.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/Mindburn-Labs/chainwatch"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // e.g. "localhost:4317"
	SampleRate     float64       // 0.0 to 1.0
	BatchTimeout   time.Duration // span batching delay
	MetricInterval time.Duration // OTLP metric push period
	OTLPEnabled    bool
	Insecure       bool
}

// DefaultConfig returns development defaults with OTLP export off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "chainwatch",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		MetricInterval: 15 * time.Second,
	}
}

// Provider owns the meter and tracer providers and the domain instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	registry       *prometheus.Registry
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	// RED metrics for every tracked operation.
	requestCounter   metric.Int64Counter
	errorCounter     metric.Int64Counter
	durationHist     metric.Float64Histogram
	activeOperations metric.Int64UpDownCounter

	// Domain instruments.
	ticks            metric.Int64Counter
	skippedTicks     metric.Int64Counter
	confirmations    metric.Int64Counter
	duplicates       metric.Int64Counter
	anomalies        metric.Int64Counter
	evictions        metric.Int64Counter
	detectorFailures metric.Int64Counter
	storeFailures    metric.Int64Counter
	notifyDropped    metric.Int64Counter
	overdue          metric.Int64Gauge
	archivedEvents   metric.Int64Counter
	ingestedUnlocks  metric.Int64Counter
}

// New creates a provider. Metrics are registered on a private Prometheus
// registry; see Handler.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config:   config,
		registry: prometheus.NewRegistry(),
		logger:   slog.Default().With("component", "observability"),
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}
	if config.OTLPEnabled {
		if err := p.initTraceProvider(ctx, res); err != nil {
			return nil, fmt.Errorf("failed to init trace provider: %w", err)
		}
		p.tracer = p.tracerProvider.Tracer(instrumentationName,
			trace.WithInstrumentationVersion(config.ServiceVersion))
	} else {
		p.tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}
	p.meter = p.meterProvider.Meter(instrumentationName,
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"otlp", config.OTLPEnabled,
		"endpoint", config.OTLPEndpoint,
	)
	return p, nil
}

// Noop returns a provider whose instruments discard everything. Components
// use it when no provider is injected.
func Noop() *Provider {
	p := &Provider{
		config:   DefaultConfig(),
		registry: prometheus.NewRegistry(),
		tracer:   tracenoop.NewTracerProvider().Tracer(instrumentationName),
		meter:    metricnoop.NewMeterProvider().Meter(instrumentationName),
		logger:   slog.Default().With("component", "observability"),
	}
	// The noop meter never fails to create instruments.
	_ = p.initInstruments()
	return p
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	exporter, err := promexporter.New(promexporter.WithRegisterer(p.registry))
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	}

	if p.config.OTLPEnabled {
		otlpOpts := []otlpmetricgrpc.Option{
			otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
		}
		if p.config.Insecure {
			otlpOpts = append(otlpOpts, otlpmetricgrpc.WithInsecure())
		}
		push, err := otlpmetricgrpc.New(ctx, otlpOpts...)
		if err != nil {
			return fmt.Errorf("failed to create metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(push, sdkmetric.WithInterval(p.config.MetricInterval)),
		))
	}

	p.meterProvider = sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	counter := func(name, desc, unit string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = p.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		return c
	}

	p.requestCounter = counter("chainwatch.operations.total", "Total number of tracked operations", "{operation}")
	p.errorCounter = counter("chainwatch.errors.total", "Total number of failed operations", "{error}")
	p.ticks = counter("chainwatch.job.ticks", "Completed job ticks", "{tick}")
	p.skippedTicks = counter("chainwatch.job.skipped_ticks", "Ticks skipped because the previous tick was still running", "{tick}")
	p.confirmations = counter("chainwatch.unlock.confirmations", "Unlock events confirmed", "{event}")
	p.duplicates = counter("chainwatch.unlock.duplicate_confirmations", "Confirmations rejected as duplicates", "{event}")
	p.anomalies = counter("chainwatch.anomaly.recorded", "Anomaly events recorded", "{event}")
	p.evictions = counter("chainwatch.anomaly.evicted", "Anomaly events evicted from the ring buffer", "{event}")
	p.detectorFailures = counter("chainwatch.anomaly.detector_failures", "Detector errors and panics", "{failure}")
	p.storeFailures = counter("chainwatch.store.failures", "Operations that failed with an unavailable store", "{failure}")
	p.notifyDropped = counter("chainwatch.notify.dropped", "Notifications dropped by a sink", "{notification}")
	p.archivedEvents = counter("chainwatch.archive.events", "Unlock events archived", "{event}")
	p.ingestedUnlocks = counter("chainwatch.unlock.ingested", "Unlock events inserted or updated by ingestion", "{event}")
	if err != nil {
		return err
	}

	p.durationHist, err = p.meter.Float64Histogram("chainwatch.operation.duration",
		metric.WithDescription("Operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return err
	}
	p.activeOperations, err = p.meter.Int64UpDownCounter("chainwatch.operations.active",
		metric.WithDescription("Number of currently active operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return err
	}
	p.overdue, err = p.meter.Int64Gauge("chainwatch.unlock.overdue",
		metric.WithDescription("Pending unlock events past their tolerance window"),
		metric.WithUnit("{event}"),
	)
	return err
}

// Handler serves the Prometheus exposition of every chainwatch metric.
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// Registry exposes the Prometheus registry backing Handler.
func (p *Provider) Registry() *prometheus.Registry {
	return p.registry
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	return p.meter
}

// TrackOperation starts a span and RED bookkeeping for name. Call the returned
// function with the operation's error when it completes.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	opAttrs := append([]attribute.KeyValue{attribute.String("operation", name)}, attrs...)
	set := metric.WithAttributes(opAttrs...)

	p.activeOperations.Add(ctx, 1, set)
	p.requestCounter.Add(ctx, 1, set)

	return ctx, func(err error) {
		p.activeOperations.Add(ctx, -1, set)
		p.durationHist.Record(ctx, time.Since(start).Seconds(), set)
		if err != nil {
			span.RecordError(err)
			p.errorCounter.Add(ctx, 1, metric.WithAttributes(append(opAttrs, attribute.String("error.type", fmt.Sprintf("%T", err)))...))
		}
		span.End()
	}
}
