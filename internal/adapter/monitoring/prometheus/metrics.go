// Package prometheus exposes the coordination fabric's counters and
// gauges on a /metrics endpoint.
package prometheus

import (
	"net/http"

	"github.com/crabzie/Auction-Stack-Orchestrator/internal/core/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	nodeState   *prometheus.GaugeVec
	tasksTotal  *prometheus.CounterVec
	deadLetters *prometheus.CounterVec
	beatFires   *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry: reg,
		nodeState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_node_state",
			Help: "Current state per service node, one-hot across states.",
		}, []string{"service", "state"}),
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_tasks_total",
			Help: "Task executions by queue and result (ok, retry, dead).",
		}, []string{"queue", "result"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_dead_letters_total",
			Help: "Tasks moved to the dead letter store by queue.",
		}, []string{"queue"}),
		beatFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beat_fires_total",
			Help: "Scheduled task firings by schedule name.",
		}, []string{"schedule"}),
	}
	reg.MustRegister(m.nodeState, m.tasksTotal, m.deadLetters, m.beatFires)
	return m
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveNodeState one-hots the gauge for a node's new state.
func (m *Metrics) ObserveNodeState(service string, state domain.NodeState) {
	for _, s := range []domain.NodeState{
		domain.NodeStatePending,
		domain.NodeStateStarting,
		domain.NodeStateProbing,
		domain.NodeStateHealthy,
		domain.NodeStateFailed,
		domain.NodeStateStopped,
	} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.nodeState.WithLabelValues(service, string(s)).Set(v)
	}
}

func (m *Metrics) ObserveTask(queue, result string) {
	m.tasksTotal.WithLabelValues(queue, result).Inc()
}

func (m *Metrics) ObserveDeadLetter(queue string) {
	m.deadLetters.WithLabelValues(queue).Inc()
}

func (m *Metrics) ObserveBeatFire(schedule string) {
	m.beatFires.WithLabelValues(schedule).Inc()
}
