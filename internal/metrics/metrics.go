// Package metrics exposes Prometheus collectors for the signing authority.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/glinharesb/quorum-vault/internal/store"
)

const namespace = "quorum"

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	requestsCreated *prometheus.CounterVec
	approvals       *prometheus.CounterVec
	finished        *prometheus.CounterVec
	executions      *prometheus.HistogramVec
	ambiguous       prometheus.Counter
	deviceCalls     *prometheus.HistogramVec
	rpcs            *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_created_total",
			Help:      "Signing requests created.",
		}, []string{"action_type"}),
		approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_total",
			Help:      "Valid approvals recorded.",
		}, []string{"action_type"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_finished_total",
			Help:      "Requests reaching a terminal status.",
		}, []string{"action_type", "status"}),
		executions: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Execution attempts by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action_type", "outcome"}),
		ambiguous: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ambiguous_executions_total",
			Help:      "Device operations that succeeded without a recorded result.",
		}),
		deviceCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "hsm",
			Name:      "call_duration_seconds",
			Help:      "HSM operations by kind and outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "outcome"}),
		rpcs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "grpc",
			Name:      "request_duration_seconds",
			Help:      "gRPC requests by method and status code.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "code"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestsCreated,
		m.approvals,
		m.finished,
		m.executions,
		m.ambiguous,
		m.deviceCalls,
		m.rpcs,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// GaugeFunc registers a gauge whose value is read from fn at scrape time.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func (m *Metrics) RequestCreated(actionType string) {
	m.requestsCreated.WithLabelValues(actionType).Inc()
}

func (m *Metrics) ApprovalRecorded(actionType string) {
	m.approvals.WithLabelValues(actionType).Inc()
}

func (m *Metrics) RequestFinished(actionType string, status store.Status) {
	m.finished.WithLabelValues(actionType, status.String()).Inc()
}

func (m *Metrics) ExecutionFinished(actionType string, outcome store.AttemptOutcome, d time.Duration) {
	m.executions.WithLabelValues(actionType, outcome.String()).Observe(d.Seconds())
	if outcome == store.AttemptAmbiguous {
		m.ambiguous.Inc()
	}
}

func (m *Metrics) ObserveDeviceCall(op, outcome string, d time.Duration) {
	m.deviceCalls.WithLabelValues(op, outcome).Observe(d.Seconds())
}

func (m *Metrics) ObserveRPC(method, code string, d time.Duration) {
	m.rpcs.WithLabelValues(method, code).Observe(d.Seconds())
}
