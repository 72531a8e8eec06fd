// Package metrics provides Prometheus metrics for the scouting aggregation service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager manages all Prometheus metrics for the service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	registry         prometheus.Registerer

	// Aggregation engine
	observationsProcessed *prometheus.CounterVec
	observationsDuplicate prometheus.Counter
	aggregateUpdates      prometheus.Counter
	aggregateErrors       *prometheus.CounterVec
	maxUpdates            *prometheus.CounterVec
	maxRecomputes         *prometheus.CounterVec
	pipelineLatency       prometheus.Histogram
	rankQueries           *prometheus.CounterVec
	staleAggregates       prometheus.Counter

	// Stores
	storeLatency      *prometheus.HistogramVec
	observationsTotal prometheus.Gauge
	aggregatesTotal   prometheus.Gauge
	lockWaitLatency   prometheus.Histogram
	lockAcquireErrors prometheus.Counter

	// Recompute queue
	queueCapacity          prometheus.Gauge
	queueSize              prometheus.Gauge
	queueUtilization       prometheus.Gauge
	queueEnqueued          prometheus.Counter
	queueDequeued          prometheus.Counter
	queueEnqueueErrors     prometheus.Counter
	queueProcessingLatency prometheus.Histogram

	// Recompute workers
	workerActiveCount       prometheus.Gauge
	workerProcessingLatency prometheus.Histogram
	workerErrors            prometheus.Counter
	workerRetries           prometheus.Counter

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Errors
	errorRateByComponent *prometheus.CounterVec
	errorRateByType      *prometheus.CounterVec
	errorRateByEndpoint  *prometheus.CounterVec
	errorLatency         *prometheus.HistogramVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "scouting",
		subsystem:        "ted",
		histogramBuckets: prometheus.DefBuckets,
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
	}, labels)
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
	})
}

func (m *Manager) histogram(name, help string, buckets []float64) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, Buckets: buckets,
	})
}

func (m *Manager) histogramVec(name, help string, labels ...string) *prometheus.HistogramVec {
	return promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, Buckets: m.histogramBuckets,
	}, labels)
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() { //nolint:funlen // long function required for comprehensive metrics initialization
	m.observationsProcessed = m.counterVec("observations_processed_total", "Observation writes run through the aggregation pipeline", "outcome")
	m.observationsDuplicate = m.counter("observations_duplicate_total", "Redelivered submissions acknowledged without reprocessing")
	m.aggregateUpdates = m.counter("aggregate_updates_total", "Committed aggregate increments")
	m.aggregateErrors = m.counterVec("aggregate_errors_total", "Aggregate pipeline failures by stage", "stage")
	m.maxUpdates = m.counterVec("max_updates_total", "Maximum decisions by kind (direct or invalidated)", "kind")
	m.maxRecomputes = m.counterVec("max_recomputes_total", "Invalidated maximum resolutions by result", "result")
	m.pipelineLatency = m.histogram("pipeline_latency_milliseconds", "Latency of one observation write through the whole pipeline", m.histogramBuckets)
	m.rankQueries = m.counterVec("rank_queries_total", "Rank computations by result", "result")
	m.staleAggregates = m.counter("stale_aggregates_total", "Aggregates marked stale after an incomplete update")

	m.storeLatency = m.histogramVec("store_latency_milliseconds", "Store operation latency in milliseconds", "store", "op")
	m.observationsTotal = m.gauge("observations_total", "Observation records held by the store")
	m.aggregatesTotal = m.gauge("aggregates_total", "Team event aggregates held by the store")
	m.lockWaitLatency = m.histogram("lock_wait_milliseconds", "Time spent waiting for a per-key serialization lock", m.histogramBuckets)
	m.lockAcquireErrors = m.counter("lock_acquire_errors_total", "Failed lock acquisitions")

	m.queueCapacity = m.gauge("recompute_queue_capacity", "Capacity of the recompute retry queue")
	m.queueSize = m.gauge("recompute_queue_size", "Jobs waiting in the recompute retry queue")
	m.queueUtilization = m.gauge("recompute_queue_utilization_ratio", "Recompute queue size over capacity")
	m.queueEnqueued = m.counter("recompute_queue_enqueued_total", "Jobs enqueued for recompute retry")
	m.queueDequeued = m.counter("recompute_queue_dequeued_total", "Jobs dequeued by recompute workers")
	m.queueEnqueueErrors = m.counter("recompute_queue_enqueue_errors_total", "Jobs rejected by the recompute queue")
	m.queueProcessingLatency = m.histogram("recompute_queue_processing_latency_milliseconds", "Enqueue latency of the recompute queue", m.histogramBuckets)

	m.workerActiveCount = m.gauge("recompute_workers_active", "Running recompute workers")
	m.workerProcessingLatency = m.histogram("recompute_worker_latency_milliseconds", "Latency of one recompute job", m.histogramBuckets)
	m.workerErrors = m.counter("recompute_worker_errors_total", "Recompute jobs that failed an attempt")
	m.workerRetries = m.counter("recompute_worker_retries_total", "Recompute jobs requeued for another attempt")

	m.httpRequests = m.counterVec("http_requests_total", "Total number of HTTP requests by endpoint and method", "endpoint", "method", "status_code")
	m.httpRequestDuration = m.histogramVec("http_request_duration_milliseconds", "HTTP request duration in milliseconds", "endpoint", "method", "status_code")

	m.errorRateByComponent = m.counterVec("errors_by_component_total", "Total number of errors by component", "component", "error_type")
	m.errorRateByType = m.counterVec("errors_by_type_total", "Total number of errors by type", "error_type", "severity")
	m.errorRateByEndpoint = m.counterVec("errors_by_endpoint_total", "Total number of errors by endpoint", "endpoint", "method", "error_type")
	m.errorLatency = m.histogramVec("error_latency_milliseconds", "Latency of operations that resulted in errors", "component", "error_type")

	m.systemMemoryUsage = m.gauge("system_memory_usage_bytes", "System memory usage in bytes")
	m.systemGoroutineCount = m.gauge("system_goroutine_count", "Number of goroutines")
	m.systemGCPauseTime = m.histogram("system_gc_pause_time_milliseconds", "GC pause time in milliseconds",
		[]float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000})
}

// RecordObservationProcessed counts one pipeline run by outcome ("ok" or "failed").
func RecordObservationProcessed(outcome string) {
	globalManager.observationsProcessed.WithLabelValues(outcome).Inc()
}

// RecordObservationDuplicate counts a redelivered submission.
func RecordObservationDuplicate() { globalManager.observationsDuplicate.Inc() }

// RecordAggregateUpdate counts a committed increment.
func RecordAggregateUpdate() { globalManager.aggregateUpdates.Inc() }

// RecordAggregateError counts a pipeline failure at stage.
func RecordAggregateError(stage string) {
	globalManager.aggregateErrors.WithLabelValues(stage).Inc()
}

// RecordMaxUpdate counts a max decision of the given kind.
func RecordMaxUpdate(kind string) { globalManager.maxUpdates.WithLabelValues(kind).Inc() }

// RecordMaxRecompute counts an invalidated max resolution.
// Results: recomputed, skipped, failed, retried, exhausted.
func RecordMaxRecompute(result string) {
	globalManager.maxRecomputes.WithLabelValues(result).Inc()
}

// RecordPipelineLatency records one pipeline run.
func RecordPipelineLatency(latencyMs float64) { globalManager.pipelineLatency.Observe(latencyMs) }

// RecordRankQuery counts one rank computation ("ok" or "failed").
func RecordRankQuery(result string) { globalManager.rankQueries.WithLabelValues(result).Inc() }

// RecordStaleAggregate counts an aggregate marked stale.
func RecordStaleAggregate() { globalManager.staleAggregates.Inc() }

// RecordStoreLatency records the latency of one store operation.
func RecordStoreLatency(store, op string, latencyMs float64) {
	globalManager.storeLatency.WithLabelValues(store, op).Observe(latencyMs)
}

// UpdateObservationsTotal sets the number of stored observation records.
func UpdateObservationsTotal(count int) { globalManager.observationsTotal.Set(float64(count)) }

// UpdateAggregatesTotal sets the number of stored aggregates.
func UpdateAggregatesTotal(count int) { globalManager.aggregatesTotal.Set(float64(count)) }

// RecordLockWait records how long a lock acquisition waited.
func RecordLockWait(latencyMs float64) { globalManager.lockWaitLatency.Observe(latencyMs) }

// RecordLockAcquireError counts a failed lock acquisition.
func RecordLockAcquireError() { globalManager.lockAcquireErrors.Inc() }

// UpdateQueueCapacity sets the recompute queue capacity.
func UpdateQueueCapacity(capacity int) { globalManager.queueCapacity.Set(float64(capacity)) }

// UpdateQueueSize sets the recompute queue size.
func UpdateQueueSize(size int) { globalManager.queueSize.Set(float64(size)) }

// UpdateQueueUtilization sets the recompute queue utilization.
func UpdateQueueUtilization(utilization float64) { globalManager.queueUtilization.Set(utilization) }

// RecordQueueEnqueue counts an enqueued job.
func RecordQueueEnqueue() { globalManager.queueEnqueued.Inc() }

// RecordQueueDequeue counts a dequeued job.
func RecordQueueDequeue() { globalManager.queueDequeued.Inc() }

// RecordQueueEnqueueError counts a rejected job.
func RecordQueueEnqueueError() { globalManager.queueEnqueueErrors.Inc() }

// RecordQueueProcessingLatency records enqueue latency.
func RecordQueueProcessingLatency(latencyMs float64) {
	globalManager.queueProcessingLatency.Observe(latencyMs)
}

// UpdateWorkerActiveCount sets the number of running recompute workers.
func UpdateWorkerActiveCount(count int) { globalManager.workerActiveCount.Set(float64(count)) }

// RecordWorkerProcessingLatency records the latency of one job.
func RecordWorkerProcessingLatency(latencyMs float64) {
	globalManager.workerProcessingLatency.Observe(latencyMs)
}

// RecordWorkerError counts a failed job attempt.
func RecordWorkerError() { globalManager.workerErrors.Inc() }

// RecordWorkerRetry counts a requeued job.
func RecordWorkerRetry() { globalManager.workerRetries.Inc() }

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records the duration of an HTTP request.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// RecordErrorByComponent records an error for a component.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorRateByComponent.WithLabelValues(component, errorType).Inc()
}

// RecordErrorByType records an error by type and severity.
func RecordErrorByType(errorType, severity string) {
	globalManager.errorRateByType.WithLabelValues(errorType, severity).Inc()
}

// RecordErrorByEndpoint records an error for an endpoint.
func RecordErrorByEndpoint(endpoint, method, errorType string) {
	globalManager.errorRateByEndpoint.WithLabelValues(endpoint, method, errorType).Inc()
}

// RecordErrorLatency records latency of operations that failed.
func RecordErrorLatency(component, errorType string, latencyMs float64) {
	globalManager.errorLatency.WithLabelValues(component, errorType).Observe(latencyMs)
}

// UpdateSystemMemoryUsage sets the memory usage gauge.
func UpdateSystemMemoryUsage(bytes uint64) { globalManager.systemMemoryUsage.Set(float64(bytes)) }

// UpdateSystemGoroutineCount sets the goroutine gauge.
func UpdateSystemGoroutineCount(count int) { globalManager.systemGoroutineCount.Set(float64(count)) }

// RecordSystemGCPauseTime records an average GC pause.
func RecordSystemGCPauseTime(pauseMs float64) { globalManager.systemGCPauseTime.Observe(pauseMs) }

// GetRegistry returns the registry the global metrics are registered on.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
