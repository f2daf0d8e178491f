// Package observability provides OpenTelemetry tracing and metrics for the
// proposal engine: RED metrics for every tracked operation plus lifecycle
// counters (proposals created, decisions, transitions, executions).
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

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // e.g., "localhost:4317" for gRPC
	SampleRate     float64       // 0.0 to 1.0, default 1.0 (sample all)
	BatchTimeout   time.Duration // How long to wait before sending batched spans
	Enabled        bool          // Enable/disable telemetry
	Insecure       bool          // Use insecure connection (dev only)
}

const instrumentationName = "stewardd.proposals"

// DefaultConfig returns production-ready defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "stewardd",
		ServiceVersion: "0.4.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0, // Sample everything in dev
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       false, // Secure by default
	}
}

// Provider manages OpenTelemetry trace and metric providers.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	// RED metrics (Rate, Errors, Duration)
	requestCounter   metric.Int64Counter
	errorCounter     metric.Int64Counter
	durationHist     metric.Float64Histogram
	activeOperations metric.Int64UpDownCounter

	// Lifecycle metrics
	proposalsCreated     metric.Int64Counter
	decisionsRecorded    metric.Int64Counter
	transitions          metric.Int64Counter
	executions           metric.Int64Counter
	compensationFailures metric.Int64Counter
	publishFailures      metric.Int64Counter
}

// New creates a new observability provider.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	// Create resource with service information
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
			attribute.String("service.component", "proposal-engine"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Initialize trace provider
	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}

	// Initialize metric provider
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	p.tracer = otel.Tracer(instrumentationName,
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)
	p.meter = otel.Meter(instrumentationName,
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)

	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to init metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
		"insecure", config.Insecure,
	)

	return p, nil
}

// initTraceProvider initializes the OpenTelemetry trace provider.
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

	// Configure sampler based on sample rate
	var sampler sdktrace.Sampler
	if p.config.SampleRate >= 1.0 {
		sampler = sdktrace.AlwaysSample()
	} else if p.config.SampleRate <= 0.0 {
		sampler = sdktrace.NeverSample()
	} else {
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
		sdktrace.WithSampler(sampler),
	)

	// Set as global provider
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return nil
}

// initMetricProvider initializes the OpenTelemetry metric provider.
func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}

	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)

	// Set as global provider
	otel.SetMeterProvider(p.meterProvider)

	return nil
}

// NewWithProviders builds a Provider on caller-supplied SDK providers.
// Nothing is registered globally; Shutdown stays the caller's job.
func NewWithProviders(tp trace.TracerProvider, mp metric.MeterProvider) (*Provider, error) {
	p := &Provider{
		config: &Config{ServiceName: "stewardd", Enabled: true},
		logger: slog.Default().With("component", "observability"),
		tracer: tp.Tracer(instrumentationName),
		meter:  mp.Meter(instrumentationName),
	}
	if err := p.initMetrics(); err != nil {
		return nil, err
	}
	return p, nil
}

// Disabled returns a Provider that records nothing. Safe for tests and tools.
func Disabled() *Provider {
	return &Provider{
		config: &Config{Enabled: false},
		logger: slog.Default().With("component", "observability"),
	}
}

// initMetrics initializes RED and lifecycle metrics.
func (p *Provider) initMetrics() error {
	var err error

	// Rate - Request counter
	p.requestCounter, err = p.meter.Int64Counter("proposals.operations.total",
		metric.WithDescription("Total number of requests processed"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	// Errors - Error counter
	p.errorCounter, err = p.meter.Int64Counter("proposals.errors.total",
		metric.WithDescription("Total number of errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}

	// Duration - Latency histogram
	p.durationHist, err = p.meter.Float64Histogram("proposals.operation.duration",
		metric.WithDescription("Request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return err
	}

	// Active operations gauge
	p.activeOperations, err = p.meter.Int64UpDownCounter("proposals.operations.active",
		metric.WithDescription("Number of currently active operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return err
	}

	return p.initLifecycleMetrics()
}

func (p *Provider) initLifecycleMetrics() error {
	var err error

	if p.proposalsCreated, err = p.meter.Int64Counter("proposals.created.total",
		metric.WithDescription("Proposals persisted by producer runners"),
		metric.WithUnit("{proposal}"),
	); err != nil {
		return err
	}
	if p.decisionsRecorded, err = p.meter.Int64Counter("proposals.decisions.total",
		metric.WithDescription("Approver decisions accepted by the ledger"),
		metric.WithUnit("{decision}"),
	); err != nil {
		return err
	}
	if p.transitions, err = p.meter.Int64Counter("proposals.transitions.total",
		metric.WithDescription("Proposal status transitions"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return err
	}
	if p.executions, err = p.meter.Int64Counter("proposals.executions.total",
		metric.WithDescription("Execution attempts by outcome"),
		metric.WithUnit("{execution}"),
	); err != nil {
		return err
	}
	if p.compensationFailures, err = p.meter.Int64Counter("proposals.compensation.failures.total",
		metric.WithDescription("Compensating actions that failed and left an orphan"),
		metric.WithUnit("{failure}"),
	); err != nil {
		return err
	}
	if p.publishFailures, err = p.meter.Int64Counter("proposals.publish.failures.total",
		metric.WithDescription("Proposals that could not be announced to the publish sink"),
		metric.WithUnit("{failure}"),
	); err != nil {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the providers.
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
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// StartSpan starts a new span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordRequest records a request with the given attributes.
func (p *Provider) RecordRequest(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.requestCounter != nil {
		p.requestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordError records an error with the given attributes.
func (p *Provider) RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	if p.errorCounter != nil {
		allAttrs := append(attrs, attribute.String("error.type", fmt.Sprintf("%T", err)))
		p.errorCounter.Add(ctx, 1, metric.WithAttributes(allAttrs...))
	}
}

// RecordDuration records the duration of an operation.
func (p *Provider) RecordDuration(ctx context.Context, duration time.Duration, attrs ...attribute.KeyValue) {
	if p.durationHist != nil {
		p.durationHist.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}
}

// TrackOperation tracks an operation from start to finish.
// Returns a function that should be called when the operation completes.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()

	// Start span
	ctx, span := p.StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)

	// Increment active operations
	if p.activeOperations != nil {
		p.activeOperations.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	// Record request
	p.RecordRequest(ctx, attrs...)

	return ctx, func(err error) {
		duration := time.Since(start)

		// Decrement active operations
		if p.activeOperations != nil {
			p.activeOperations.Add(ctx, -1, metric.WithAttributes(attrs...))
		}

		// Record duration
		p.RecordDuration(ctx, duration, attrs...)

		// Handle error
		if err != nil {
			span.RecordError(err)
			p.RecordError(ctx, err, attrs...)
		}

		span.End()
	}
}

// RecordProposalCreated counts a persisted proposal.
func (p *Provider) RecordProposalCreated(ctx context.Context, producer, kind string) {
	if p.proposalsCreated != nil {
		p.proposalsCreated.Add(ctx, 1, metric.WithAttributes(
			AttrProducer.String(producer),
			AttrProposalKind.String(kind),
		))
	}
}

// RecordDecision counts an accepted approver decision.
func (p *Provider) RecordDecision(ctx context.Context, kind string, approved bool) {
	if p.decisionsRecorded != nil {
		p.decisionsRecorded.Add(ctx, 1, metric.WithAttributes(
			AttrProposalKind.String(kind),
			AttrApproved.Bool(approved),
		))
	}
}

// RecordTransition counts a status change.
func (p *Provider) RecordTransition(ctx context.Context, kind, from, to string) {
	if p.transitions != nil && from != to {
		p.transitions.Add(ctx, 1, metric.WithAttributes(TransitionOperation(kind, from, to)...))
	}
}

// RecordExecution counts an execution attempt with outcome "success" or "failure".
func (p *Provider) RecordExecution(ctx context.Context, kind, outcome string) {
	if p.executions != nil {
		p.executions.Add(ctx, 1, metric.WithAttributes(
			AttrProposalKind.String(kind),
			AttrOutcome.String(outcome),
		))
	}
}

// RecordCompensationFailure counts an orphaned remote entity.
func (p *Provider) RecordCompensationFailure(ctx context.Context, kind string) {
	if p.compensationFailures != nil {
		p.compensationFailures.Add(ctx, 1, metric.WithAttributes(AttrProposalKind.String(kind)))
	}
}

// RecordPublishFailure counts a proposal the sink refused.
func (p *Provider) RecordPublishFailure(ctx context.Context, topic string) {
	if p.publishFailures != nil {
		p.publishFailures.Add(ctx, 1, metric.WithAttributes(AttrTopic.String(topic)))
	}
}
