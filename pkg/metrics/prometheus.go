package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the call service.
// Every collector is registered on the registry passed to NewMetrics so that
// several instances (tests, multiple services in one binary) never collide.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge
	httpRequestTimeouts  *prometheus.CounterVec

	// WebSocket Metrics
	websocketConnections   prometheus.Gauge
	websocketMessagesTotal *prometheus.CounterVec

	// Call Metrics
	callsTotal         *prometheus.CounterVec
	callsTerminalTotal *prometheus.CounterVec
	callsActive        prometheus.Gauge
	callsDuration      *prometheus.HistogramVec
	storeConflicts     prometheus.Counter
	missedSweeps       prometheus.Counter

	// Relay Metrics
	eventsDelivered *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec

	// Recording Metrics
	recordingsTotal       *prometheus.CounterVec
	uploadAttemptsTotal   *prometheus.CounterVec
	circuitBreakerState   *prometheus.GaugeVec
	sampleArchiveFailures prometheus.Counter

	// Quality Metrics
	qualityScore *prometheus.HistogramVec

	// Availability Metrics
	availabilityRejections *prometheus.CounterVec

	// Backing store metrics
	redisDegraded          prometheus.Gauge
	redisHealthChecks      prometheus.Counter
	cassandraQueryDuration *prometheus.HistogramVec
	cassandraQueryErrors   *prometheus.CounterVec
}

// NewMetrics creates all Prometheus metrics on the given registry
func NewMetrics(serviceName string, registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)
	labels := prometheus.Labels{"service": serviceName}

	m := &Metrics{
		registry: registry,

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: labels,
			},
		),

		websocketConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of active signaling WebSocket connections",
				ConstLabels: labels,
			},
		),
		websocketMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_messages_total",
				Help:        "Total number of signaling WebSocket messages",
				ConstLabels: labels,
			},
			[]string{"type", "direction"},
		),

		callsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_total",
				Help:        "Total number of calls created",
				ConstLabels: labels,
			},
			[]string{"kind", "status"},
		),
		callsTerminalTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_terminal_total",
				Help:        "Total number of calls that reached a terminal status",
				ConstLabels: labels,
			},
			[]string{"kind", "status"},
		),
		callsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "calls_active",
				Help:        "Number of calls currently connecting or ongoing",
				ConstLabels: labels,
			},
		),
		callsDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "call_duration_seconds",
				Help:        "Duration of ended calls in seconds",
				ConstLabels: labels,
				Buckets:     []float64{10, 30, 60, 300, 600, 1800, 3600, 7200, 14400},
			},
			[]string{"kind"},
		),
		storeConflicts: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "call_store_version_conflicts_total",
				Help:        "Optimistic concurrency conflicts retried by the call store",
				ConstLabels: labels,
			},
		),
		missedSweeps: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "calls_missed_by_sweep_total",
				Help:        "Calls transitioned to missed by the ring timeout sweep",
				ConstLabels: labels,
			},
		),

		eventsDelivered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "relay_events_delivered_total",
				Help:        "Session events handed to endpoints",
				ConstLabels: labels,
			},
			[]string{"type"},
		),
		eventsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "relay_events_dropped_total",
				Help:        "Session events dropped by the relay",
				ConstLabels: labels,
			},
			[]string{"type", "reason"},
		),

		recordingsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "recordings_total",
				Help:        "Recordings by final status",
				ConstLabels: labels,
			},
			[]string{"status"},
		),
		uploadAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "recording_upload_attempts_total",
				Help:        "Recording upload attempts by result",
				ConstLabels: labels,
			},
			[]string{"result"},
		),
		circuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name:        "circuit_breaker_state",
				Help:        "State of a circuit breaker (0=closed, 1=half_open, 2=open)",
				ConstLabels: labels,
			},
			[]string{"name"},
		),
		sampleArchiveFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "network_sample_archive_failures_total",
				Help:        "Network samples that could not be archived",
				ConstLabels: labels,
			},
		),

		qualityScore: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "call_quality_score",
				Help:        "Distribution of computed network quality scores",
				ConstLabels: labels,
				Buckets:     []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
			},
			[]string{"kind"},
		),

		availabilityRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "availability_rejections_total",
				Help:        "Availability checks that returned unavailable",
				ConstLabels: labels,
			},
			[]string{"reason"},
		),

		httpRequestTimeouts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_request_timeouts_total",
				Help:        "Requests that ran past their deadline",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint"},
		),

		redisDegraded: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "redis_degraded_mode",
				Help:        "Indicates if Redis is in degraded mode (1 = degraded, 0 = healthy)",
				ConstLabels: labels,
			},
		),
		redisHealthChecks: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "redis_health_check_total",
				Help:        "Total number of successful Redis health checks",
				ConstLabels: labels,
			},
		),
		cassandraQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "cassandra_query_duration_seconds",
				Help:        "Cassandra query latency in seconds",
				ConstLabels: labels,
				Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"operation", "table"},
		),
		cassandraQueryErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "cassandra_query_error_total",
				Help:        "Total number of Cassandra query errors",
				ConstLabels: labels,
			},
			[]string{"operation", "table"},
		),
	}

	return m
}

// NewDefault creates metrics on a fresh registry that also exports Go runtime
// and process collectors
func NewDefault(serviceName string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewMetrics(serviceName, registry)
}

// Handler exposes the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// HTTP Metrics Methods

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments the number of in-flight HTTP requests
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Inc()
}

// RecordRequestTimeout counts a request that exceeded its deadline
func (m *Metrics) RecordRequestTimeout(method, endpoint string) {
	m.httpRequestTimeouts.WithLabelValues(method, endpoint).Inc()
}

// DecrementHTTPRequestsInFlight decrements the number of in-flight HTTP requests
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Dec()
}

// WebSocket Metrics Methods

// SetWebSocketConnections sets the number of active WebSocket connections
func (m *Metrics) SetWebSocketConnections(count int) {
	m.websocketConnections.Set(float64(count))
}

// RecordWebSocketMessage records a WebSocket message
func (m *Metrics) RecordWebSocketMessage(msgType, direction string) {
	m.websocketMessagesTotal.WithLabelValues(msgType, direction).Inc()
}

// Call Metrics Methods

// RecordCall records a newly created call
func (m *Metrics) RecordCall(kind, status string) {
	m.callsTotal.WithLabelValues(kind, status).Inc()
}

// RecordCallTerminal records a call reaching a terminal status
func (m *Metrics) RecordCallTerminal(kind, status string) {
	m.callsTerminalTotal.WithLabelValues(kind, status).Inc()
}

// IncActiveCalls increments the active call gauge
func (m *Metrics) IncActiveCalls() {
	m.callsActive.Inc()
}

// DecActiveCalls decrements the active call gauge
func (m *Metrics) DecActiveCalls() {
	m.callsActive.Dec()
}

// RecordCallDuration records the duration of an ended call
func (m *Metrics) RecordCallDuration(kind string, duration time.Duration) {
	m.callsDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordStoreConflict records a retried optimistic concurrency conflict
func (m *Metrics) RecordStoreConflict() {
	m.storeConflicts.Inc()
}

// RecordMissedBySweep records a call the ring sweep marked missed
func (m *Metrics) RecordMissedBySweep() {
	m.missedSweeps.Inc()
}

// Relay Metrics Methods

// RecordEventDelivered records an event handed to an endpoint
func (m *Metrics) RecordEventDelivered(eventType string) {
	m.eventsDelivered.WithLabelValues(eventType).Inc()
}

// RecordEventDropped records an event the relay dropped
func (m *Metrics) RecordEventDropped(eventType, reason string) {
	m.eventsDropped.WithLabelValues(eventType, reason).Inc()
}

// Recording Metrics Methods

// RecordRecording records a recording reaching a final status
func (m *Metrics) RecordRecording(status string) {
	m.recordingsTotal.WithLabelValues(status).Inc()
}

// RecordUploadAttempt records a single upload attempt
func (m *Metrics) RecordUploadAttempt(result string) {
	m.uploadAttemptsTotal.WithLabelValues(result).Inc()
}

// SetCircuitBreakerState sets the gauge for the named breaker
func (m *Metrics) SetCircuitBreakerState(name string, state float64) {
	m.circuitBreakerState.WithLabelValues(name).Set(state)
}

// RecordSampleArchiveFailure records a network sample that could not be archived
func (m *Metrics) RecordSampleArchiveFailure() {
	m.sampleArchiveFailures.Inc()
}

// Quality Metrics Methods

// RecordQualityScore records a computed quality score
func (m *Metrics) RecordQualityScore(kind string, score int) {
	m.qualityScore.WithLabelValues(kind).Observe(float64(score))
}

// Availability Metrics Methods

// RecordAvailabilityRejection records an unavailable verdict
func (m *Metrics) RecordAvailabilityRejection(reason string) {
	m.availabilityRejections.WithLabelValues(reason).Inc()
}

// Backing Store Metrics Methods

// SetRedisDegraded flips the degraded mode gauge
func (m *Metrics) SetRedisDegraded(degraded bool) {
	if degraded {
		m.redisDegraded.Set(1)
		return
	}
	m.redisDegraded.Set(0)
}

// RecordRedisHealthCheck counts a successful health check
func (m *Metrics) RecordRedisHealthCheck() {
	m.redisHealthChecks.Inc()
}

// RecordCassandraQuery records one Cassandra query and whether it failed
func (m *Metrics) RecordCassandraQuery(operation, table string, duration time.Duration, err error) {
	m.cassandraQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
	if err != nil {
		m.cassandraQueryErrors.WithLabelValues(operation, table).Inc()
	}
}
