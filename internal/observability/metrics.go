package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine and progress counters on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	PlansStarted       prometheus.Counter
	PlansFinished      *prometheus.CounterVec
	PlansActive        prometheus.Gauge
	Steps              *prometheus.CounterVec
	StepDuration       *prometheus.HistogramVec
	DroppedSubscribers prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		PlansStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentichq_plans_started_total",
			Help: "Plans whose execution started.",
		}),
		PlansFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentichq_plans_finished_total",
			Help: "Plans that reached a terminal status.",
		}, []string{"status"}),
		PlansActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentichq_plans_active",
			Help: "Plans currently executing.",
		}),
		Steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentichq_steps_total",
			Help: "Step executions by tool and terminal status.",
		}, []string{"tool", "status"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentichq_step_duration_seconds",
			Help:    "Tool invocation latency.",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{"tool"}),
		DroppedSubscribers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentichq_progress_dropped_subscribers_total",
			Help: "Progress subscriptions closed because they fell behind.",
		}),
	}
	m.registry.MustRegister(
		m.PlansStarted, m.PlansFinished, m.PlansActive,
		m.Steps, m.StepDuration, m.DroppedSubscribers,
		collectors.NewGoCollector(),
	)
	return m
}

// The recording helpers accept a nil *Metrics.
func (m *Metrics) PlanStarted() {
	if m == nil {
		return
	}
	m.PlansStarted.Inc()
	m.PlansActive.Inc()
}

func (m *Metrics) PlanFinished(status string) {
	if m == nil {
		return
	}
	m.PlansFinished.WithLabelValues(status).Inc()
	m.PlansActive.Dec()
}

func (m *Metrics) StepFinished(tool, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.Steps.WithLabelValues(tool, status).Inc()
	m.StepDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (m *Metrics) SubscriberDropped() {
	if m == nil {
		return
	}
	m.DroppedSubscribers.Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
