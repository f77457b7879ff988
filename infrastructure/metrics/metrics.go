// Package metrics provides Prometheus metrics collection for the coordinator.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors exposed by the coordinator process.
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Admission queue metrics (internal/querycore/admission)
	QueueDepth      *prometheus.GaugeVec
	QueueInFlight   *prometheus.GaugeVec
	QueueRejections *prometheus.CounterVec

	// Query state machine metrics
	StateTransitionsTotal *prometheus.CounterVec

	// Cluster memory manager metrics
	PoolTotalBytes       *prometheus.GaugeVec
	PoolFreeBytes        *prometheus.GaugeVec
	PoolReservedBytes    *prometheus.GaugeVec
	PoolVersion          *prometheus.GaugeVec
	PoolReassignments    *prometheus.CounterVec
	PoolForcedFailures   *prometheus.CounterVec

	// Registry & sweeper metrics
	SweeperPassDuration *prometheus.HistogramVec
	RegistrySize        prometheus.Gauge

	// Streaming results protocol metrics
	TokensIssuedTotal prometheus.Counter

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "admission_queue_depth",
				Help: "Current number of queries waiting in an admission queue",
			},
			[]string{"queue"},
		),
		QueueInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "admission_queue_in_flight",
				Help: "Current number of queries admitted and running for a queue",
			},
			[]string{"queue"},
		),
		QueueRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admission_queue_rejections_total",
				Help: "Total number of queries rejected because a queue was full",
			},
			[]string{"queue"},
		),

		StateTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "query_state_transitions_total",
				Help: "Total number of query state machine transitions, labeled by destination state",
			},
			[]string{"to_state"},
		),

		PoolTotalBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "memory_pool_total_bytes",
				Help: "Configured total bytes for a cluster memory pool",
			},
			[]string{"pool"},
		),
		PoolFreeBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "memory_pool_free_bytes",
				Help: "Current free bytes in a cluster memory pool",
			},
			[]string{"pool"},
		),
		PoolReservedBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "memory_pool_reserved_bytes",
				Help: "Current reserved bytes in a cluster memory pool",
			},
			[]string{"pool"},
		),
		PoolVersion: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "memory_pool_version",
				Help: "Monotonically increasing version of the pool's assignment set",
			},
			[]string{"pool"},
		),
		PoolReassignments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memory_pool_reassignments_total",
				Help: "Total number of pool reassignment broadcasts dispatched to workers",
			},
			[]string{"pool"},
		),
		PoolForcedFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memory_pool_forced_failures_total",
				Help: "Total number of queries force-failed to relieve pool pressure",
			},
			[]string{"pool"},
		),

		SweeperPassDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sweeper_pass_duration_seconds",
				Help:    "Duration of a single lifecycle sweeper pass",
				Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"pass"},
		),
		RegistrySize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "query_registry_size",
				Help: "Current number of queries tracked by the registry",
			},
		),

		TokensIssuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "stream_tokens_issued_total",
				Help: "Total number of result-page tokens issued by the streaming results protocol",
			},
		),

		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.QueueDepth,
			m.QueueInFlight,
			m.QueueRejections,
			m.StateTransitionsTotal,
			m.PoolTotalBytes,
			m.PoolFreeBytes,
			m.PoolReservedBytes,
			m.PoolVersion,
			m.PoolReassignments,
			m.PoolForcedFailures,
			m.SweeperPassDuration,
			m.RegistrySize,
			m.TokensIssuedTotal,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", environment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error.
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordStateTransition increments the transition counter for a destination state.
func (m *Metrics) RecordStateTransition(toState string) {
	m.StateTransitionsTotal.WithLabelValues(toState).Inc()
}

// RecordSweeperPass observes a sweeper pass duration.
func (m *Metrics) RecordSweeperPass(pass string, duration time.Duration) {
	m.SweeperPassDuration.WithLabelValues(pass).Observe(duration.Seconds())
}

// SetQueueDepth sets the current queued count for a named queue.
func (m *Metrics) SetQueueDepth(queue string, depth int) {
	m.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// SetQueueInFlight sets the current in-flight count for a named queue.
func (m *Metrics) SetQueueInFlight(queue string, inFlight int) {
	m.QueueInFlight.WithLabelValues(queue).Set(float64(inFlight))
}

// RecordQueueRejection increments the rejection counter for a named queue.
func (m *Metrics) RecordQueueRejection(queue string) {
	m.QueueRejections.WithLabelValues(queue).Inc()
}

// SetPoolOccupancy records a pool's total/free/reserved bytes and version.
func (m *Metrics) SetPoolOccupancy(pool string, total, free, reserved int64, version uint64) {
	m.PoolTotalBytes.WithLabelValues(pool).Set(float64(total))
	m.PoolFreeBytes.WithLabelValues(pool).Set(float64(free))
	m.PoolReservedBytes.WithLabelValues(pool).Set(float64(reserved))
	m.PoolVersion.WithLabelValues(pool).Set(float64(version))
}

// RecordPoolReassignment increments the reassignment counter for a pool.
func (m *Metrics) RecordPoolReassignment(pool string) {
	m.PoolReassignments.WithLabelValues(pool).Inc()
}

// RecordPoolForcedFailure increments the forced-failure counter for a pool.
func (m *Metrics) RecordPoolForcedFailure(pool string) {
	m.PoolForcedFailures.WithLabelValues(pool).Inc()
}

// RecordTokenIssued increments the total count of tokens issued to clients.
func (m *Metrics) RecordTokenIssued() {
	m.TokensIssuedTotal.Inc()
}

// SetRegistrySize sets the current number of tracked queries.
func (m *Metrics) SetRegistrySize(n int) {
	m.RegistrySize.Set(float64(n))
}

// UpdateUptime updates the service uptime.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter.
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter.
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

func environment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("APP_ENV")))
	if env == "" {
		return "development"
	}
	return env
}

func isProduction() bool {
	return environment() == "production"
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !isProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
