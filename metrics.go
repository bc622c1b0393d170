package evhttpd

import (
	"github.com/prometheus/client_golang/prometheus"
)

// close reasons, used as the metric label
const (
	reasonDone     = "done"
	reasonError    = "error"
	reasonHangup   = "hangup"
	reasonIdle     = "idle_timeout"
	reasonShutdown = "shutdown"
)

// Metrics are per engine so several engines (and tests) can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	accepted     prometheus.Counter
	refused      prometheus.Counter
	closed       *prometheus.CounterVec
	active       prometheus.Gauge
	expired      prometheus.Counter
	submitted    prometheus.Counter
	acceptErrors prometheus.Counter
}

func newMetrics(queueDepth func() float64) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evhttpd_connections_accepted_total",
			Help: "Connections accepted and registered.",
		}),
		refused: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evhttpd_connections_refused_total",
			Help: "Connections closed at accept by the rate or concurrency limit.",
		}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evhttpd_connections_closed_total",
			Help: "Connections closed, by reason.",
		}, []string{"reason"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "evhttpd_connections_active",
			Help: "Connections currently open.",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evhttpd_timers_expired_total",
			Help: "Idle timers that fired.",
		}),
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evhttpd_tasks_submitted_total",
			Help: "Connections handed to the worker pool.",
		}),
		acceptErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evhttpd_accept_errors_total",
			Help: "Accept calls that failed with something other than EAGAIN.",
		}),
	}
	m.registry.MustRegister(
		m.accepted, m.refused, m.closed, m.active, m.expired, m.submitted, m.acceptErrors,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "evhttpd_pool_queue_depth",
			Help: "Tasks waiting for a worker.",
		}, queueDepth),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
