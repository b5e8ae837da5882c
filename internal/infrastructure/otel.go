package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.28.0"
	"go.opentelemetry.io/otel/trace"

	"stockpulse/internal/config"
	"stockpulse/pkg/contracts"
)

const (
	ServiceName = "stockpulse"
	MeterName   = "stockpulse"
)

// OTelConfig holds OpenTelemetry configuration
type OTelConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	TraceExporter  string // "stdout", "none"
	MetricExporter string // "prometheus", "none"
	EnableMetrics  bool
	EnableTracing  bool
	SampleRatio    float64
}

// OTelProviders holds the OpenTelemetry providers
type OTelProviders struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	PrometheusHTTP http.Handler
	Logger         *slog.Logger
}

// DefaultOTelConfig returns a default OpenTelemetry configuration
func DefaultOTelConfig() *OTelConfig {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	return &OTelConfig{
		ServiceName:    ServiceName,
		ServiceVersion: contracts.Version,
		Environment:    env,
		TraceExporter:  "none",
		MetricExporter: "prometheus",
		EnableMetrics:  true,
		EnableTracing:  false,
		SampleRatio:    1.0,
	}
}

// OTelConfigFrom maps the telemetry section of the application config
func OTelConfigFrom(cfg config.TelemetryConfig) *OTelConfig {
	out := DefaultOTelConfig()
	if cfg.ServiceName != "" {
		out.ServiceName = cfg.ServiceName
	}
	if cfg.Environment != "" {
		out.Environment = cfg.Environment
	}
	out.EnableMetrics = cfg.EnableMetrics
	out.EnableTracing = cfg.EnableTracing
	if cfg.TraceExporter != "" {
		out.TraceExporter = cfg.TraceExporter
	}
	out.SampleRatio = cfg.SampleRatio
	return out
}

// InitializeOTel initializes tracing and metrics providers
func InitializeOTel(cfg *OTelConfig, logger *slog.Logger) (*OTelProviders, error) {
	if cfg == nil {
		cfg = DefaultOTelConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx := context.Background()

	logger.InfoContext(ctx, "otel_initializing",
		slog.String("service", cfg.ServiceName),
		slog.String("version", cfg.ServiceVersion),
		slog.String("environment", cfg.Environment),
		slog.Bool("tracing_enabled", cfg.EnableTracing),
		slog.Bool("metrics_enabled", cfg.EnableMetrics))

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironmentName(cfg.Environment),
		attribute.String("service.instance.id", generateInstanceID()),
	)

	providers := &OTelProviders{
		Logger: logger,
		Tracer: otel.Tracer(MeterName),
		Meter:  noop.NewMeterProvider().Meter(MeterName),
	}

	if cfg.EnableTracing {
		if err := initializeTracing(ctx, cfg, res, providers); err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
	}

	if cfg.EnableMetrics {
		if err := initializeMetrics(ctx, cfg, res, providers); err != nil {
			return nil, fmt.Errorf("failed to initialize metrics: %w", err)
		}
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return providers, nil
}

// NoopProviders returns providers that record nothing, for tests and CLI use
func NoopProviders(logger *slog.Logger) *OTelProviders {
	if logger == nil {
		logger = slog.Default()
	}
	return &OTelProviders{
		Logger: logger,
		Tracer: otel.Tracer(MeterName),
		Meter:  noop.NewMeterProvider().Meter(MeterName),
	}
}

func initializeTracing(ctx context.Context, cfg *OTelConfig, res *resource.Resource, providers *OTelProviders) error {
	var exporter sdktrace.SpanExporter
	var err error

	switch cfg.TraceExporter {
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none", "":
		return nil
	default:
		return fmt.Errorf("unsupported trace exporter: %s", cfg.TraceExporter)
	}
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRatio)),
	)

	providers.TracerProvider = tp
	providers.Tracer = tp.Tracer(MeterName, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	otel.SetTracerProvider(tp)

	providers.Logger.InfoContext(ctx, "tracing_initialized",
		slog.String("exporter", cfg.TraceExporter),
		slog.Float64("sample_ratio", cfg.SampleRatio))

	return nil
}

func initializeMetrics(ctx context.Context, cfg *OTelConfig, res *resource.Resource, providers *OTelProviders) error {
	switch cfg.MetricExporter {
	case "prometheus":
		exporter, err := prometheus.New()
		if err != nil {
			return fmt.Errorf("failed to create prometheus exporter: %w", err)
		}

		providers.PrometheusHTTP = promhttp.Handler()

		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)
		providers.MeterProvider = mp
		providers.Meter = mp.Meter(MeterName, metric.WithInstrumentationVersion(cfg.ServiceVersion))
		otel.SetMeterProvider(mp)

	case "none", "":
		return nil
	default:
		return fmt.Errorf("unsupported metric exporter: %s", cfg.MetricExporter)
	}

	providers.Logger.InfoContext(ctx, "metrics_initialized",
		slog.String("exporter", cfg.MetricExporter))

	return nil
}

// BusinessMetrics holds all application-specific metrics
type BusinessMetrics struct {
	// HTTP metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Job metrics
	JobsStarted     metric.Int64Counter
	JobsFinished    metric.Int64Counter
	JobDuration     metric.Float64Histogram
	ActiveJobs      metric.Int64UpDownCounter
	StageDuration   metric.Float64Histogram
	PublishFailures metric.Int64Counter
	DurableFailures metric.Int64Counter

	// Signal and cache metrics
	SignalScore metric.Float64Histogram
	CacheHits   metric.Int64Counter
	CacheMisses metric.Int64Counter

	// Watch stream metrics
	WatchersActive metric.Int64UpDownCounter
	WatchMessages  metric.Int64Counter
}

// CreateBusinessMetrics creates application-specific metrics
func CreateBusinessMetrics(meter metric.Meter) (*BusinessMetrics, error) {
	m := &BusinessMetrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.HTTPRequestsTotal, "http_requests_total", "Total number of HTTP requests"},
		{&m.JobsStarted, "jobs_started_total", "Total number of analysis jobs started"},
		{&m.JobsFinished, "jobs_finished_total", "Total number of analysis jobs finished, by status"},
		{&m.PublishFailures, "progress_publish_failures_total", "Progress updates the fast store rejected"},
		{&m.DurableFailures, "durable_write_failures_total", "Final records the durable store rejected"},
		{&m.CacheHits, "aux_cache_hits_total", "Auxiliary cache hits"},
		{&m.CacheMisses, "aux_cache_misses_total", "Auxiliary cache misses"},
		{&m.WatchMessages, "watch_messages_sent_total", "Frames pushed to job watchers, by type"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
		unit string
	}{
		{&m.HTTPRequestDuration, "http_request_duration_seconds", "HTTP request duration in seconds", "s"},
		{&m.JobDuration, "job_duration_seconds", "Analysis job duration in seconds", "s"},
		{&m.StageDuration, "stage_duration_seconds", "Pipeline stage duration in seconds", "s"},
		{&m.SignalScore, "market_heat_score", "Composite market heat score per job", "1"},
	}
	for _, h := range histograms {
		if *h.dst, err = meter.Float64Histogram(h.name, metric.WithDescription(h.desc), metric.WithUnit(h.unit)); err != nil {
			return nil, err
		}
	}

	if m.ActiveJobs, err = meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Number of analysis jobs currently running"),
	); err != nil {
		return nil, err
	}
	if m.WatchersActive, err = meter.Int64UpDownCounter(
		"watchers_active",
		metric.WithDescription("Number of open job watch streams"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// Shutdown gracefully shuts down OpenTelemetry providers
func (p *OTelProviders) Shutdown(ctx context.Context) error {
	var errs []error

	if p.TracerProvider != nil {
		if err := p.TracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
		}
	}

	if p.MeterProvider != nil {
		if err := p.MeterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}

	p.Logger.InfoContext(ctx, "otel_shutdown_complete")
	return nil
}

func generateInstanceID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s-%d", hostname, time.Now().Unix())
}

// AddSpanEvent adds an event to the current span with structured attributes
func AddSpanEvent(ctx context.Context, name string, attributes map[string]interface{}) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	attrs := make([]attribute.KeyValue, 0, len(attributes))
	for k, v := range attributes {
		switch val := v.(type) {
		case string:
			attrs = append(attrs, attribute.String(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case int64:
			attrs = append(attrs, attribute.Int64(k, val))
		case float64:
			attrs = append(attrs, attribute.Float64(k, val))
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		default:
			attrs = append(attrs, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}

	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// RecordError records an error on the current span
func RecordError(ctx context.Context, err error, options ...trace.EventOption) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	span.RecordError(err, options...)
	span.SetStatus(codes.Error, err.Error())
}
