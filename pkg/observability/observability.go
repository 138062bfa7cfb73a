// Package observability wires OpenTelemetry tracing and metrics for the
// decision kernel: OTLP export over gRPC, trace-context propagation and the
// solver-centric instrument set the operations runbook alerts on.
package observability

import (
	"context"
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

const instrumentationName = "github.com/Halyard-Labs/keel"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns local-development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "keel",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       true,
	}
}

// Provider manages the trace and metric providers plus the kernel's
// instrument set. A disabled provider is fully functional with no-op
// global instruments, so callers never branch on telemetry being on.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	solveWallTime   metric.Float64Histogram
	mipGap          metric.Float64Histogram
	solveStatus     metric.Int64Counter
	scenarioCount   metric.Int64Histogram
	evidenceWriteMS metric.Float64Histogram
}

// New creates a Provider and, when enabled, installs it as the global
// OpenTelemetry provider pair.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if config.Enabled {
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
			return nil, fmt.Errorf("observability: build resource: %w", err)
		}
		if err := p.initTraceProvider(ctx, res); err != nil {
			return nil, err
		}
		if err := p.initMetricProvider(ctx, res); err != nil {
			return nil, err
		}
	}

	p.tracer = otel.Tracer(instrumentationName,
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(instrumentationName,
		metric.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initInstruments(); err != nil {
		return nil, err
	}

	if config.Enabled {
		p.logger.InfoContext(ctx, "observability initialized",
			"service", config.ServiceName,
			"environment", config.Environment,
			"endpoint", config.OTLPEndpoint,
			"sample_rate", config.SampleRate,
		)
	}
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: create trace exporter: %w", err)
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

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: create metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	p.solveWallTime, err = p.meter.Float64Histogram("keel.solver.wall_time",
		metric.WithDescription("Wall-clock solve time"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(10, 50, 100, 500, 1000, 5000, 10000, 20000, 60000),
	)
	if err != nil {
		return err
	}
	p.mipGap, err = p.meter.Float64Histogram("keel.solver.mip_gap",
		metric.WithDescription("Relative optimality gap of reported incumbents"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return err
	}
	p.solveStatus, err = p.meter.Int64Counter("keel.solver.status",
		metric.WithDescription("Terminal solve statuses"),
		metric.WithUnit("{solve}"),
	)
	if err != nil {
		return err
	}
	p.scenarioCount, err = p.meter.Int64Histogram("keel.forecast.scenario_count",
		metric.WithDescription("Scenarios generated per plan"),
		metric.WithUnit("{scenario}"),
	)
	if err != nil {
		return err
	}
	p.evidenceWriteMS, err = p.meter.Float64Histogram("keel.evidence.write_latency",
		metric.WithDescription("Evidence append latency"),
		metric.WithUnit("ms"),
	)
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "err", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown failed", "err", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter(instrumentationName)
	}
	return p.meter
}

// RecordSolve records the terminal outcome of one solve.
func (p *Provider) RecordSolve(ctx context.Context, tenantID, status string, wallMS, gap float64) {
	attrs := metric.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("status", status),
	)
	if p.solveStatus != nil {
		p.solveStatus.Add(ctx, 1, attrs)
	}
	if p.solveWallTime != nil {
		p.solveWallTime.Record(ctx, wallMS, attrs)
	}
	if p.mipGap != nil && gap > 0 {
		p.mipGap.Record(ctx, gap, attrs)
	}
}

// RecordScenarios records the size of a generated scenario set.
func (p *Provider) RecordScenarios(ctx context.Context, tenantID string, n int) {
	if p.scenarioCount != nil {
		p.scenarioCount.Record(ctx, int64(n),
			metric.WithAttributes(attribute.String("tenant_id", tenantID)))
	}
}

// RecordEvidenceWrite records one evidence append latency.
func (p *Provider) RecordEvidenceWrite(ctx context.Context, d time.Duration) {
	if p.evidenceWriteMS != nil {
		p.evidenceWriteMS.Record(ctx, float64(d.Microseconds())/1000.0)
	}
}
