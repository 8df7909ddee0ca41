// Package metrics provides Prometheus metrics for the meterline pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Port latency buckets in milliseconds.
var portBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000} //nolint:gochecknoglobals // bucket layout

// Manager manages all Prometheus metrics for the pipeline.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	constLabels      map[string]string
	registry         prometheus.Registerer

	// Ingress
	eventsReceived  prometheus.Counter
	eventsAccepted  prometheus.Counter
	eventsDuplicate prometheus.Counter
	eventsInFlight  prometheus.Counter
	eventsInvalid   *prometheus.CounterVec

	// Orchestration
	stageOutcomes    *prometheus.CounterVec
	terminalOutcomes *prometheus.CounterVec
	portLatency      *prometheus.HistogramVec
	retriesScheduled prometheus.Counter
	retriesExhausted prometheus.Counter
	retriesPending   prometheus.Gauge
	alerts           *prometheus.CounterVec

	// Store
	storeLatency *prometheus.HistogramVec
	storeErrors  *prometheus.CounterVec

	// Queue
	queueSize          prometheus.Gauge
	queueCapacity      prometheus.Gauge
	queueEnqueued      prometheus.Counter
	queueDequeued      prometheus.Counter
	queueEnqueueErrors prometheus.Counter

	// Workers
	workerCount             prometheus.Gauge
	workerActiveCount       prometheus.Gauge
	workerProcessingLatency prometheus.Histogram
	workerErrors            prometheus.Counter

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Background jobs
	sweepRuns        prometheus.Counter
	sweepRecovered   prometheus.Counter
	recordsArchived  prometheus.Counter
	archiveFailures  prometheus.Counter
	errorByComponent *prometheus.CounterVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Gauge
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
		namespace:        "meterline",
		subsystem:        "pipeline",
		histogramBuckets: prometheus.DefBuckets,
		constLabels:      map[string]string{},
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
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	}, labels)
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	})
}

func (m *Manager) histogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, Buckets: buckets, ConstLabels: m.constLabels,
	}, labels)
}

func (m *Manager) initializeMetrics() {
	m.eventsReceived = m.counter("events_received_total", "Total number of events received at ingress")
	m.eventsAccepted = m.counter("events_accepted_total", "Total number of events admitted for processing")
	m.eventsDuplicate = m.counter("events_duplicate_total", "Total number of deliveries skipped as duplicates")
	m.eventsInFlight = m.counter("events_in_flight_total", "Total number of deliveries that found the event held by another attempt")
	m.eventsInvalid = m.counterVec("events_invalid_total", "Total number of events rejected by validation", "field")

	m.stageOutcomes = m.counterVec("stage_outcomes_total", "Audited stage outcomes", "stage", "outcome")
	m.terminalOutcomes = m.counterVec("terminal_outcomes_total", "Events finalized by terminal status", "status")
	m.portLatency = m.histogramVec("port_latency_milliseconds", "Downstream port call latency in milliseconds", portBuckets, "port", "result")
	m.retriesScheduled = m.counter("retries_scheduled_total", "Total number of retries scheduled after transient failures")
	m.retriesExhausted = m.counter("retries_exhausted_total", "Total number of events that exhausted their retry budget")
	m.retriesPending = m.gauge("retries_pending", "Events waiting in the retry scheduler")
	m.alerts = m.counterVec("alerts_total", "Operator alerts raised", "reason")

	m.storeLatency = m.histogramVec("store_latency_milliseconds", "Idempotency store operation latency in milliseconds", m.histogramBuckets, "op")
	m.storeErrors = m.counterVec("store_errors_total", "Idempotency store operation failures", "op")

	m.queueSize = m.gauge("queue_size", "Current size of the job queue")
	m.queueCapacity = m.gauge("queue_capacity", "Maximum capacity of the job queue")
	m.queueEnqueued = m.counter("queue_enqueued_total", "Total number of jobs enqueued")
	m.queueDequeued = m.counter("queue_dequeued_total", "Total number of jobs dequeued")
	m.queueEnqueueErrors = m.counter("queue_enqueue_errors_total", "Total number of rejected enqueue attempts")

	m.workerCount = m.gauge("worker_count", "Configured number of workers")
	m.workerActiveCount = m.gauge("worker_active_count", "Workers currently processing a job")
	m.workerProcessingLatency = promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: "worker_processing_latency_milliseconds",
		Help: "Time spent processing one job", Buckets: portBuckets, ConstLabels: m.constLabels,
	})
	m.workerErrors = m.counter("worker_errors_total", "Jobs that returned an error")

	m.httpRequests = m.counterVec("http_requests_total", "Total number of HTTP requests by endpoint and method", "endpoint", "method", "status_code")
	m.httpRequestDuration = m.histogramVec("http_request_duration_milliseconds", "HTTP request duration in milliseconds", m.histogramBuckets, "endpoint", "method", "status_code")

	m.sweepRuns = m.counter("sweep_runs_total", "Recovery sweeps executed")
	m.sweepRecovered = m.counter("sweep_recovered_total", "Records rescheduled by the recovery sweep")
	m.recordsArchived = m.counter("records_archived_total", "Terminal records archived to object storage")
	m.archiveFailures = m.counter("archive_failures_total", "Failed archive batches")
	m.errorByComponent = m.counterVec("errors_by_component_total", "Errors by component and type", "component", "error_type")

	m.systemMemoryUsage = m.gauge("system_memory_usage_bytes", "Heap bytes allocated")
	m.systemGoroutineCount = m.gauge("system_goroutine_count", "Number of goroutines")
	m.systemGCPauseTime = m.gauge("system_gc_pause_milliseconds", "Average GC pause in milliseconds")
}

// RecordEventReceived counts an event arriving at ingress.
func RecordEventReceived() { globalManager.eventsReceived.Inc() }

// RecordEventAccepted counts an admitted event.
func RecordEventAccepted() { globalManager.eventsAccepted.Inc() }

// RecordEventDuplicate counts a delivery skipped as duplicate.
func RecordEventDuplicate() { globalManager.eventsDuplicate.Inc() }

// RecordEventInFlight counts a delivery that found the event leased elsewhere.
func RecordEventInFlight() { globalManager.eventsInFlight.Inc() }

// RecordEventInvalid counts a validation rejection by offending field.
func RecordEventInvalid(field string) { globalManager.eventsInvalid.WithLabelValues(field).Inc() }

// RecordStageOutcome counts an audited stage outcome.
func RecordStageOutcome(stage, outcome string) {
	globalManager.stageOutcomes.WithLabelValues(stage, outcome).Inc()
}

// RecordTerminal counts an event reaching a terminal status.
func RecordTerminal(status string) { globalManager.terminalOutcomes.WithLabelValues(status).Inc() }

// RecordPortLatency records a port call latency in milliseconds.
func RecordPortLatency(port, result string, latencyMs float64) {
	globalManager.portLatency.WithLabelValues(port, result).Observe(latencyMs)
}

// RecordRetryScheduled counts a scheduled retry.
func RecordRetryScheduled() { globalManager.retriesScheduled.Inc() }

// RecordRetriesExhausted counts an event that ran out of attempts.
func RecordRetriesExhausted() { globalManager.retriesExhausted.Inc() }

// UpdateRetriesPending sets the number of events waiting in the scheduler.
func UpdateRetriesPending(n int) { globalManager.retriesPending.Set(float64(n)) }

// RecordAlert counts an operator alert.
func RecordAlert(reason string) { globalManager.alerts.WithLabelValues(reason).Inc() }

// RecordStoreLatency records an idempotency store operation latency.
func RecordStoreLatency(op string, latencyMs float64) {
	globalManager.storeLatency.WithLabelValues(op).Observe(latencyMs)
}

// RecordStoreError counts a failed store operation.
func RecordStoreError(op string) { globalManager.storeErrors.WithLabelValues(op).Inc() }

// UpdateQueueSize sets the current queue size.
func UpdateQueueSize(size int) { globalManager.queueSize.Set(float64(size)) }

// UpdateQueueCapacity sets the maximum queue capacity.
func UpdateQueueCapacity(capacity int) { globalManager.queueCapacity.Set(float64(capacity)) }

// RecordQueueEnqueue increments the enqueue counter.
func RecordQueueEnqueue() { globalManager.queueEnqueued.Inc() }

// RecordQueueDequeue increments the dequeue counter.
func RecordQueueDequeue() { globalManager.queueDequeued.Inc() }

// RecordQueueEnqueueError increments the enqueue error counter.
func RecordQueueEnqueueError() { globalManager.queueEnqueueErrors.Inc() }

// UpdateWorkerCount sets the configured worker count.
func UpdateWorkerCount(count int) { globalManager.workerCount.Set(float64(count)) }

// UpdateWorkerActiveCount sets the number of busy workers.
func UpdateWorkerActiveCount(count int) { globalManager.workerActiveCount.Set(float64(count)) }

// RecordWorkerProcessingLatency records job processing latency.
func RecordWorkerProcessingLatency(latencyMs float64) {
	globalManager.workerProcessingLatency.Observe(latencyMs)
}

// RecordWorkerError increments the worker error counter.
func RecordWorkerError() { globalManager.workerErrors.Inc() }

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// RecordSweep counts a recovery sweep and the records it rescheduled.
func RecordSweep(recovered int) {
	globalManager.sweepRuns.Inc()
	globalManager.sweepRecovered.Add(float64(recovered))
}

// RecordArchived counts archived records.
func RecordArchived(n int) { globalManager.recordsArchived.Add(float64(n)) }

// RecordArchiveFailure counts a failed archive batch.
func RecordArchiveFailure() { globalManager.archiveFailures.Inc() }

// RecordErrorByComponent records an error with component and type labels.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorByComponent.WithLabelValues(component, errorType).Inc()
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}

// UpdateSystemMemoryUsage sets the allocated heap size.
func UpdateSystemMemoryUsage(bytes uint64) { globalManager.systemMemoryUsage.Set(float64(bytes)) }

// UpdateSystemGoroutineCount sets the goroutine count.
func UpdateSystemGoroutineCount(count int) { globalManager.systemGoroutineCount.Set(float64(count)) }

// RecordSystemGCPauseTime sets the average GC pause.
func RecordSystemGCPauseTime(ms float64) { globalManager.systemGCPauseTime.Set(ms) }
