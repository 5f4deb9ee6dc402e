// Package observability wires pgpooler's Prometheus metrics and
// OpenTelemetry tracing.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for pgpooler.
type Metrics struct {
	// Counters
	ClientConnectionsTotal *prometheus.CounterVec
	SessionsTotal          *prometheus.CounterVec
	BackendAcquireTotal    *prometheus.CounterVec
	BackendDialTotal       *prometheus.CounterVec
	ErrorsTotal            *prometheus.CounterVec

	// Gauges
	ClientConnectionsActive *prometheus.GaugeVec
	BackendPoolInUse        *prometheus.GaugeVec
	BackendPoolIdle         *prometheus.GaugeVec
	WaitQueueLength         *prometheus.GaugeVec

	// Histograms
	BackendAcquireDuration *prometheus.HistogramVec
	SessionDuration        *prometheus.HistogramVec
}

// DefaultMetrics creates a new Metrics instance with all metrics registered
// against the default Prometheus registry.
func DefaultMetrics() *Metrics {
	return &Metrics{
		ClientConnectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgpooler_client_connections_total",
				Help: "Total number of client connections accepted",
			},
			[]string{"backend"},
		),
		SessionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgpooler_sessions_total",
				Help: "Total number of client sessions, by how they ended",
			},
			[]string{"backend", "outcome"},
		),
		BackendAcquireTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgpooler_backend_acquire_total",
				Help: "Total number of backend acquisitions, by source and outcome",
			},
			[]string{"backend", "source", "status"},
		),
		BackendDialTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgpooler_backend_dial_total",
				Help: "Total number of fresh backend dials, by outcome",
			},
			[]string{"backend", "status"},
		),
		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgpooler_errors_total",
				Help: "Total number of errors by type",
			},
			[]string{"type"},
		),

		ClientConnectionsActive: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgpooler_client_connections_active",
				Help: "Number of active client connections",
			},
			[]string{"backend"},
		),
		BackendPoolInUse: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgpooler_backend_pool_in_use",
				Help: "Backend connections currently checked out by a session",
			},
			[]string{"backend"},
		),
		BackendPoolIdle: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgpooler_backend_pool_idle",
				Help: "Backend connections currently parked in the idle cache",
			},
			[]string{"backend"},
		),
		WaitQueueLength: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgpooler_wait_queue_length",
				Help: "Sessions currently parked waiting for a capacity slot",
			},
			[]string{"backend"},
		),

		BackendAcquireDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgpooler_backend_acquire_duration_seconds",
				Help:    "Time to acquire a backend connection, reused or freshly dialed",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15), // 0.1ms to ~1.6s
			},
			[]string{"backend", "source"},
		),
		SessionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgpooler_session_duration_seconds",
				Help:    "Client session lifetime from accept to disconnect",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 18), // 10ms to ~21m
			},
			[]string{"backend"},
		),
	}
}

// RecordClientConnection increments the connection counter and active gauge.
func (m *Metrics) RecordClientConnection(backend string) {
	if m == nil {
		return
	}
	m.ClientConnectionsTotal.WithLabelValues(backend).Inc()
	m.ClientConnectionsActive.WithLabelValues(backend).Inc()
}

// RecordSessionEnd decrements the active gauge and records the session's
// outcome and total duration.
func (m *Metrics) RecordSessionEnd(backend, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ClientConnectionsActive.WithLabelValues(backend).Dec()
	m.SessionsTotal.WithLabelValues(backend, outcome).Inc()
	m.SessionDuration.WithLabelValues(backend).Observe(durationSeconds)
}

// RecordBackendAcquire records one acquisition attempt: source is "reused" or
// "fresh", status is "success" or "error".
func (m *Metrics) RecordBackendAcquire(backend, source, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.BackendAcquireTotal.WithLabelValues(backend, source, status).Inc()
	m.BackendAcquireDuration.WithLabelValues(backend, source).Observe(durationSeconds)
}

// RecordBackendDial records the outcome of a fresh dial to a backend server.
func (m *Metrics) RecordBackendDial(backend, status string) {
	if m == nil {
		return
	}
	m.BackendDialTotal.WithLabelValues(backend, status).Inc()
}

// RecordError records an error by a caller-chosen classification.
func (m *Metrics) RecordError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// UpdatePoolStats reports the current capacity/idle-cache occupancy for one
// backend.
func (m *Metrics) UpdatePoolStats(backend string, inUse, idle int) {
	if m == nil {
		return
	}
	m.BackendPoolInUse.WithLabelValues(backend).Set(float64(inUse))
	m.BackendPoolIdle.WithLabelValues(backend).Set(float64(idle))
}

// UpdateWaitQueueLength reports the current wait-queue depth for one backend.
func (m *Metrics) UpdateWaitQueueLength(backend string, length int) {
	if m == nil {
		return
	}
	m.WaitQueueLength.WithLabelValues(backend).Set(float64(length))
}
