// Package tracing provides OpenTelemetry-based tracing for sync runs,
// mutation sends and cache lookups. It supports stdout and OTLP exporters.
package tracing

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	// TracerName is the instrumentation name for taxsync spans.
	TracerName = "github.com/jbctechsolutions/taxsync"

	// Version is the semantic version of the tracer.
	Version = "0.3.0"
)

// ExporterType defines the type of trace exporter.
type ExporterType string

const (
	ExporterNone   ExporterType = "none"
	ExporterStdout ExporterType = "stdout"
	ExporterOTLP   ExporterType = "otlp"
)

// Config holds tracing configuration.
type Config struct {
	Enabled      bool         // Whether tracing is enabled
	ExporterType ExporterType // Type of exporter to use
	OTLPEndpoint string       // OTLP collector endpoint (for OTLP exporter)
	ServiceName  string       // Service name for traces
	Environment  string       // Deployment environment (development, production)
	SampleRate   float64      // Sampling rate (0.0 to 1.0)
	Output       io.Writer    // Output for stdout exporter (defaults to os.Stdout)
}

// DefaultConfig returns sensible default tracing configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:      false,
		ExporterType: ExporterNone,
		ServiceName:  "taxsync",
		Environment:  "development",
		SampleRate:   1.0,
	}
}

// Tracer wraps an OpenTelemetry tracer with domain-specific functionality.
type Tracer struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
	config   Config
}

// Noop returns a tracer that records nothing.
func Noop() *Tracer {
	return &Tracer{
		tracer: noop.NewTracerProvider().Tracer(TracerName),
		config: DefaultConfig(),
	}
}

// New creates a new Tracer with the provided configuration.
func New(ctx context.Context, cfg Config) (*Tracer, error) {
	if !cfg.Enabled || cfg.ExporterType == ExporterNone {
		return &Tracer{
			tracer: noop.NewTracerProvider().Tracer(TracerName),
			config: cfg,
		}, nil
	}

	// Create exporter
	exporter, err := createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	// Create resource without merging with Default() to avoid schema URL conflicts.
	// The default resource's schema URL may conflict with our semconv version.
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(Version),
			attribute.String("deployment.environment", cfg.Environment),
		),
		resource.WithHost(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Create sampler
	var sampler sdktrace.Sampler
	if cfg.SampleRate >= 1.0 {
		sampler = sdktrace.AlwaysSample()
	} else if cfg.SampleRate <= 0.0 {
		sampler = sdktrace.NeverSample()
	} else {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	// Create tracer provider
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	// Set global propagator
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	// Set global tracer provider
	otel.SetTracerProvider(provider)

	return &Tracer{
		tracer:   provider.Tracer(TracerName, trace.WithInstrumentationVersion(Version)),
		provider: provider,
		config:   cfg,
	}, nil
}

// createExporter creates the appropriate exporter based on configuration.
func createExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		opts := []stdouttrace.Option{
			stdouttrace.WithPrettyPrint(),
		}
		if cfg.Output != nil {
			opts = append(opts, stdouttrace.WithWriter(cfg.Output))
		}
		return stdouttrace.New(opts...)

	case ExporterOTLP:
		opts := []otlptracehttp.Option{
			otlptracehttp.WithInsecure(),
		}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		return otlptracehttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.ExporterType)
	}
}

// Shutdown gracefully shuts down the tracer provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider != nil {
		return t.provider.Shutdown(ctx)
	}
	return nil
}

// Start starts a new span with the given name.
func (t *Tracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// SpanFromContext returns the current span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// --- Domain-specific span helpers ---

// SyncRunSpan covers one drain of the mutation queue.
type SyncRunSpan struct {
	span trace.Span
}

// StartSyncRunSpan starts a span for a queue drain.
func (t *Tracer) StartSyncRunSpan(ctx context.Context, runID string, pending int) (context.Context, *SyncRunSpan) {
	ctx, span := t.tracer.Start(ctx, "sync.run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("sync.run_id", runID),
			attribute.Int("sync.pending", pending),
		),
	)
	return ctx, &SyncRunSpan{span: span}
}

// SetOutcome records how many mutations were attempted and confirmed.
func (s *SyncRunSpan) SetOutcome(attempted, succeeded int, aborted bool) {
	s.span.SetAttributes(
		attribute.Int("sync.attempted", attempted),
		attribute.Int("sync.succeeded", succeeded),
		attribute.Bool("sync.aborted", aborted),
	)
}

// End ends the run span with success status.
func (s *SyncRunSpan) End() {
	s.span.SetStatus(codes.Ok, "sync run completed")
	s.span.End()
}

// EndWithError ends the run span with error status.
func (s *SyncRunSpan) EndWithError(err error) {
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
	s.span.End()
}

// MutationSpan covers one remote attempt for a pending mutation.
type MutationSpan struct {
	span trace.Span
}

// StartMutationSpan starts a client span for sending a mutation.
func (t *Tracer) StartMutationSpan(ctx context.Context, id, method, endpoint string, version int64, critical bool) (context.Context, *MutationSpan) {
	ctx, span := t.tracer.Start(ctx, "mutation.sync",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("mutation.id", id),
			attribute.String("http.request.method", method),
			attribute.String("mutation.endpoint", endpoint),
			attribute.Int64("mutation.version", version),
			attribute.Bool("mutation.critical", critical),
		),
	)
	return ctx, &MutationSpan{span: span}
}

// SetStatusCode records the HTTP status returned by the remote.
func (s *MutationSpan) SetStatusCode(code int) {
	s.span.SetAttributes(attribute.Int("http.response.status_code", code))
}

// SetOutcome records what the engine did with the mutation.
func (s *MutationSpan) SetOutcome(outcome string, retryCount int) {
	s.span.SetAttributes(
		attribute.String("mutation.outcome", outcome),
		attribute.Int("mutation.retry_count", retryCount),
	)
}

// End ends the mutation span with success status.
func (s *MutationSpan) End() {
	s.span.SetStatus(codes.Ok, "mutation handled")
	s.span.End()
}

// EndWithError ends the mutation span with error status.
func (s *MutationSpan) EndWithError(err error) {
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
	s.span.End()
}

// CacheSpan covers one computation cache lookup.
type CacheSpan struct {
	span trace.Span
}

// StartCacheSpan starts a span for a cache lookup.
func (t *Tracer) StartCacheSpan(ctx context.Context, key string) (context.Context, *CacheSpan) {
	ctx, span := t.tracer.Start(ctx, "cache.lookup",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("cache.key", key)),
	)
	return ctx, &CacheSpan{span: span}
}

// SetResult records whether the lookup hit and in which tier.
func (s *CacheSpan) SetResult(hit bool, tier string) {
	s.span.SetAttributes(
		attribute.Bool("cache.hit", hit),
		attribute.String("cache.tier", tier),
	)
}

// End ends the cache span.
func (s *CacheSpan) End() {
	s.span.End()
}

// EndWithError ends the cache span with error status.
func (s *CacheSpan) EndWithError(err error) {
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
	s.span.End()
}

// AddEvent adds an event to the current span.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// RecordError records an error on the current span.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
}

// SetAttribute sets an attribute on the current span.
func SetAttribute(ctx context.Context, key string, value any) {
	span := trace.SpanFromContext(ctx)
	switch v := value.(type) {
	case string:
		span.SetAttributes(attribute.String(key, v))
	case int:
		span.SetAttributes(attribute.Int(key, v))
	case int64:
		span.SetAttributes(attribute.Int64(key, v))
	case float64:
		span.SetAttributes(attribute.Float64(key, v))
	case bool:
		span.SetAttributes(attribute.Bool(key, v))
	}
}
