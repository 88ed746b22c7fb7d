package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

const (
	meterName = "github.com/dataplayground/storage-engine"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal      metric.Int64Counter
	responseBytesTotal metric.Int64Counter
	requestDuration    metric.Float64Histogram

	commandsTotal   metric.Int64Counter
	commandDuration metric.Float64Histogram
	queueDepth      metric.Int64Gauge

	cacheLookupsTotal metric.Int64Counter
	cacheWriteSize    metric.Float64Histogram
	cacheResident     metric.Int64Gauge
	cacheEntries      metric.Int64Gauge
	cacheMaxSize      metric.Int64Gauge
	cacheOverlimit    metric.Int64Gauge

	evictionsTotal      metric.Int64Counter
	evictionBytesTotal  metric.Int64Counter
	evictionRunsTotal   metric.Int64Counter
	evictionRunDuration metric.Float64Histogram

	quotaUsagePercent  metric.Float64Gauge
	quotaWarningsTotal metric.Int64Counter

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	reaperDeletedTotal metric.Int64Counter
	reaperDuration     metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "storage-engine"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

// newMetrics creates every instrument on meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	var m Metrics
	var err error

	durationBuckets := metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)

	if m.requestsTotal, err = meter.Int64Counter(
		"storage_engine_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.responseBytesTotal, err = meter.Int64Counter(
		"storage_engine_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"storage_engine_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		durationBuckets,
	); err != nil {
		return nil, err
	}

	if m.commandsTotal, err = meter.Int64Counter(
		"storage_engine_commands_total",
		metric.WithDescription("Total number of storage commands executed"),
		metric.WithUnit("{command}"),
	); err != nil {
		return nil, err
	}

	if m.commandDuration, err = meter.Float64Histogram(
		"storage_engine_command_duration_seconds",
		metric.WithDescription("Storage command execution time, excluding queue wait"),
		metric.WithUnit("s"),
		durationBuckets,
	); err != nil {
		return nil, err
	}

	if m.queueDepth, err = meter.Int64Gauge(
		"storage_engine_queue_depth",
		metric.WithDescription("Commands waiting for the dispatcher"),
		metric.WithUnit("{command}"),
	); err != nil {
		return nil, err
	}

	if m.cacheLookupsTotal, err = meter.Int64Counter(
		"storage_engine_cache_lookups_total",
		metric.WithDescription("Total cache validity checks by result"),
		metric.WithUnit("{lookup}"),
	); err != nil {
		return nil, err
	}

	if m.cacheWriteSize, err = meter.Float64Histogram(
		"storage_engine_cache_write_size_bytes",
		metric.WithDescription("Size of payloads written to the cache"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(1024, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864, 268435456, 1073741824),
	); err != nil {
		return nil, err
	}

	if m.cacheResident, err = meter.Int64Gauge(
		"storage_engine_cache_resident_bytes",
		metric.WithDescription("Payload bytes currently held by the cache"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.cacheEntries, err = meter.Int64Gauge(
		"storage_engine_cache_entries",
		metric.WithDescription("Number of cache entries"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.cacheMaxSize, err = meter.Int64Gauge(
		"storage_engine_cache_max_size_bytes",
		metric.WithDescription("Configured maximum cache size"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.cacheOverlimit, err = meter.Int64Gauge(
		"storage_engine_cache_overlimit_bytes",
		metric.WithDescription("Bytes over the cache limit (pressure indicator)"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.evictionsTotal, err = meter.Int64Counter(
		"storage_engine_evictions_total",
		metric.WithDescription("Total cache entries evicted"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.evictionBytesTotal, err = meter.Int64Counter(
		"storage_engine_eviction_bytes_total",
		metric.WithDescription("Total bytes freed by eviction"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.evictionRunsTotal, err = meter.Int64Counter(
		"storage_engine_eviction_runs_total",
		metric.WithDescription("Total eviction passes"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, err
	}

	if m.evictionRunDuration, err = meter.Float64Histogram(
		"storage_engine_eviction_run_duration_seconds",
		metric.WithDescription("Duration of eviction passes"),
		metric.WithUnit("s"),
		durationBuckets,
	); err != nil {
		return nil, err
	}

	if m.quotaUsagePercent, err = meter.Float64Gauge(
		"storage_engine_quota_usage_percent",
		metric.WithDescription("Storage usage as a percentage of the available quota"),
		metric.WithUnit("%"),
	); err != nil {
		return nil, err
	}

	if m.quotaWarningsTotal, err = meter.Int64Counter(
		"storage_engine_quota_warnings_total",
		metric.WithDescription("Total quota warnings raised"),
		metric.WithUnit("{warning}"),
	); err != nil {
		return nil, err
	}

	if m.backendRequestDuration, err = meter.Float64Histogram(
		"storage_engine_backend_request_duration_seconds",
		metric.WithDescription("Duration of backend storage operations"),
		metric.WithUnit("s"),
		durationBuckets,
	); err != nil {
		return nil, err
	}

	if m.backendRequestsTotal, err = meter.Int64Counter(
		"storage_engine_backend_requests_total",
		metric.WithDescription("Total number of backend storage operations"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.backendBytesTotal, err = meter.Int64Counter(
		"storage_engine_backend_bytes_total",
		metric.WithDescription("Total bytes transferred in backend operations"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.reaperDeletedTotal, err = meter.Int64Counter(
		"storage_engine_reaper_deleted_total",
		metric.WithDescription("Total entries deleted by reapers"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.reaperDuration, err = meter.Float64Histogram(
		"storage_engine_reaper_duration_seconds",
		metric.WithDescription("Duration of reaper cycles"),
		metric.WithUnit("s"),
		durationBuckets,
	); err != nil {
		return nil, err
	}

	return &m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Command and cache result are read from request tags set by handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	command := "none"
	cacheResult := string(CacheNA)
	if tags := GetTags(r); tags != nil {
		if tags.Command != "" {
			command = tags.Command
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
	}

	attrs := metric.WithAttributes(
		attribute.String("command", command),
		attribute.String("status_class", StatusClass(status)),
		attribute.String("cache_result", cacheResult),
	)
	globalMetrics.requestsTotal.Add(ctx, 1, attrs)
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, attrs)
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordCommand records one dispatched storage command.
// outcome is "ok" or the storage error kind.
func RecordCommand(ctx context.Context, command, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("command", command),
		attribute.String("outcome", outcome),
	)
	globalMetrics.commandsTotal.Add(ctx, 1, attrs)
	globalMetrics.commandDuration.Record(ctx, duration.Seconds(), attrs)
}

// UpdateQueueDepth records the number of commands waiting for the dispatcher.
func UpdateQueueDepth(ctx context.Context, depth int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.queueDepth.Record(ctx, int64(depth))
}

// RecordCacheLookup records the result of a cache validity check.
func RecordCacheLookup(ctx context.Context, result CacheResult) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", string(result))))
}

// RecordCacheWrite records a payload written to the cache.
func RecordCacheWrite(ctx context.Context, size int64, isNew bool) {
	if globalMetrics == nil {
		return
	}

	result := "exists"
	if isNew {
		result = "new"
	}
	globalMetrics.cacheWriteSize.Record(ctx, float64(size), metric.WithAttributes(attribute.String("result", result)))
}

// UpdateCacheState updates the cache size gauges.
func UpdateCacheState(ctx context.Context, residentBytes int64, entries int, maxBytes int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheResident.Record(ctx, residentBytes)
	globalMetrics.cacheEntries.Record(ctx, int64(entries))
	globalMetrics.cacheMaxSize.Record(ctx, maxBytes)
	globalMetrics.cacheOverlimit.Record(ctx, max(residentBytes-maxBytes, 0))
}

// RecordEviction records one evicted entry.
// reason is "forced" (over age), "lru" or "explicit". The trigger attribute is
// the command carried by ctx, or "maintenance" for background passes.
func RecordEviction(ctx context.Context, reason string, bytes int64) {
	if globalMetrics == nil {
		return
	}
	trigger := CommandFromContext(ctx)
	if trigger == "" {
		trigger = "maintenance"
	}
	attrs := metric.WithAttributes(
		attribute.String("reason", reason),
		attribute.String("trigger", trigger),
	)
	globalMetrics.evictionsTotal.Add(ctx, 1, attrs)
	globalMetrics.evictionBytesTotal.Add(ctx, bytes, attrs)
}

// RecordEvictionRun records the duration of one eviction pass.
func RecordEvictionRun(ctx context.Context, partial bool, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Bool("partial", partial))
	globalMetrics.evictionRunsTotal.Add(ctx, 1, attrs)
	globalMetrics.evictionRunDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordQuotaCheck records the outcome of a quota check.
func RecordQuotaCheck(ctx context.Context, usagePercent float64, warned bool) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.quotaUsagePercent.Record(ctx, usagePercent)
	if warned {
		globalMetrics.quotaWarningsTotal.Add(ctx, 1)
	}
}

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordReaperCycle records one reaper cycle's deleted count and duration.
func RecordReaperCycle(ctx context.Context, reaper string, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("reaper", reaper))
	globalMetrics.reaperDeletedTotal.Add(ctx, int64(deleted), attrs)
	globalMetrics.reaperDuration.Record(ctx, duration.Seconds(), attrs)
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
