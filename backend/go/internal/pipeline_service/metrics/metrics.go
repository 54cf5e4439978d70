// Package metrics holds the Prometheus collectors of the pipeline service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "storyloom"
	subsystem = "pipeline"
)

// Metrics reports pipeline activity. A nil *Metrics is valid and records nothing.
type Metrics struct {
	started       prometheus.Counter
	finished      *prometheus.CounterVec
	active        prometheus.Gauge
	stepDuration  *prometheus.HistogramVec
	tokens        *prometheus.CounterVec
	subscribers   prometheus.Gauge
	droppedEvents prometheus.Counter
}

// MustNewMetrics registers the collectors with reg, reusing collectors that are already
// registered under the same name. Other registration errors panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		started: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "started_total",
			Help: "Pipelines accepted by the executor.",
		})),
		finished: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "finished_total",
			Help: "Pipelines that reached a terminal state.",
		}, []string{"state"})),
		active: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "active",
			Help: "Pipelines currently running or paused.",
		})),
		stepDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name:    "step_duration_seconds",
			Help:    "Time spent in one agent step.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"agent_type", "status"})),
		tokens: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "tokens_total",
			Help: "Tokens consumed by agent steps.",
		}, []string{"agent_type", "direction"})),
		subscribers: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "stream_subscribers",
			Help: "Open event stream connections.",
		})),
		droppedEvents: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "dropped_subscribers_total",
			Help: "Event subscribers disconnected because they fell behind.",
		})),
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) PipelineStarted() {
	if m == nil {
		return
	}
	m.started.Inc()
	m.active.Inc()
}

func (m *Metrics) PipelineFinished(state string) {
	if m == nil {
		return
	}
	m.active.Dec()
	m.finished.WithLabelValues(state).Inc()
}

// ObserveStep records one agent step with its outcome and token usage.
func (m *Metrics) ObserveStep(agentType, status string, d time.Duration, input, output int) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(agentType, status).Observe(d.Seconds())
	if input > 0 {
		m.tokens.WithLabelValues(agentType, "input").Add(float64(input))
	}
	if output > 0 {
		m.tokens.WithLabelValues(agentType, "output").Add(float64(output))
	}
}

func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

func (m *Metrics) SubscriberRemoved() {
	if m == nil {
		return
	}
	m.subscribers.Dec()
}

func (m *Metrics) SubscriberDropped() {
	if m == nil {
		return
	}
	m.droppedEvents.Inc()
}
