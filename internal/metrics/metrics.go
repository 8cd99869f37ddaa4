// Package metrics exposes Prometheus collectors for the payments service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vibe"

// Metrics owns a registry and the collectors registered on it.
type Metrics struct {
	Registry *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	chainOps       *prometheus.CounterVec
	chainDuration  *prometheus.HistogramVec
	approvals      *prometheus.CounterVec
	spendDecisions *prometheus.CounterVec
	reconciled     *prometheus.CounterVec
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"service", "method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		}, []string{"service", "method", "path"}),
		chainOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "operations_total",
			Help:      "Contract operations by outcome.",
		}, []string{"operation", "outcome"}),
		chainDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "operation_duration_seconds",
			Help:      "Wall time of contract operations including confirmation waits.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2m
		}, []string{"operation"}),
		approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "approvals_total",
			Help:      "Token allowance approvals submitted, by spender contract.",
		}, []string{"spender"}),
		spendDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agents",
			Name:      "spend_decisions_total",
			Help:      "Agent spend authorization decisions.",
		}, []string{"decision"}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "escrow",
			Name:      "reconciled_total",
			Help:      "Pending escrow ledger rows resolved by the reconciler.",
		}, []string{"status"}),
	}

	m.Registry.MustRegister(
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.chainOps,
		m.chainDuration,
		m.approvals,
		m.spendDecisions,
		m.reconciled,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler returns an HTTP handler exposing the registered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncrementInFlight() { m.httpInFlight.Inc() }

func (m *Metrics) DecrementInFlight() { m.httpInFlight.Dec() }

// RecordHTTPRequest records one completed request.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.httpRequests.WithLabelValues(service, method, path, status).Inc()
	m.httpDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordChainOperation records a dispatcher operation. outcome is "success",
// "timeout" or a failure code.
func (m *Metrics) RecordChainOperation(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if duration <= 0 {
		duration = time.Millisecond
	}
	m.chainOps.WithLabelValues(operation, outcome).Inc()
	m.chainDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordApproval counts an allowance top-up.
func (m *Metrics) RecordApproval(spender string) {
	if m == nil {
		return
	}
	m.approvals.WithLabelValues(spender).Inc()
}

// RecordSpendDecision counts an agent spend outcome.
func (m *Metrics) RecordSpendDecision(decision string) {
	if m == nil {
		return
	}
	m.spendDecisions.WithLabelValues(decision).Inc()
}

// RecordReconciled counts a reconciled escrow row.
func (m *Metrics) RecordReconciled(status string) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(status).Inc()
}
