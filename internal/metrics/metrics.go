// Package metrics holds the prometheus collectors one agent exports. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "taskmatch"

type Metrics struct {
	registry *prometheus.Registry

	sent         *prometheus.CounterVec
	received     *prometheus.CounterVec
	sendFailures *prometheus.CounterVec
	milestones   *prometheus.CounterVec
	round        prometheus.Gauge
	objective    prometheus.Gauge
	phase1Cost   prometheus.Gauge
}

// New registers every collector on a fresh registry labelled with the agent
// id, so several agents can share a process.
func New(agent string) *Metrics {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"agent": agent}
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		sent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "messages_sent_total",
			Help:        "Protocol messages sent, by kind.",
			ConstLabels: labels,
		}, []string{"kind"}),
		received: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "messages_received_total",
			Help:        "Protocol messages handled, by kind.",
			ConstLabels: labels,
		}, []string{"kind"}),
		sendFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "send_failures_total",
			Help:        "Messages the transport failed to deliver, by kind.",
			ConstLabels: labels,
		}, []string{"kind"}),
		milestones: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "protocol_events_total",
			Help:        "Protocol milestones (grow, augment, tree_closed, ...).",
			ConstLabels: labels,
		}, []string{"action"}),
		round: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "phase1_round",
			Help:        "Last Phase 1 round this agent took part in.",
			ConstLabels: labels,
		}),
		objective: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "objective",
			Help:        "Success probability of the last table seen.",
			ConstLabels: labels,
		}),
		phase1Cost: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "phase1_edge_cost",
			Help:        "Cost of this agent's Phase 1 matched edge.",
			ConstLabels: labels,
		}),
	}
}

func (m *Metrics) Sent(kind string) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(kind).Inc()
}

func (m *Metrics) Received(kind string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(kind).Inc()
}

func (m *Metrics) SendFailed(kind string) {
	if m == nil {
		return
	}
	m.sendFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) Milestone(action string) {
	if m == nil {
		return
	}
	m.milestones.WithLabelValues(action).Inc()
}

func (m *Metrics) SetRound(round int) {
	if m == nil {
		return
	}
	m.round.Set(float64(round))
}

func (m *Metrics) SetObjective(v float64) {
	if m == nil {
		return
	}
	m.objective.Set(v)
}

func (m *Metrics) SetPhase1Cost(v float64) {
	if m == nil {
		return
	}
	m.phase1Cost.Set(v)
}

func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Gatherer(), promhttp.HandlerOpts{})
}
