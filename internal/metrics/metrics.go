// Package metrics exposes the node's Prometheus collectors. Everything
// registers on the default registry and is served at /metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the node records into.
type Metrics struct {
	// Routing
	RouteDecisions *prometheus.CounterVec
	RouteDuration  prometheus.Histogram

	// Invocation
	InvokeTotal    *prometheus.CounterVec
	InvokeDuration *prometheus.HistogramVec
	InvokeFallback prometheus.Counter

	// Gossip
	GossipFrames *prometheus.CounterVec

	// Transport
	SessionsActive prometheus.Gauge
	SessionRTT     *prometheus.GaugeVec

	// Registry and cost
	RegistrySize prometheus.Gauge
	MeshNodes    prometheus.Gauge
	OwnCost      prometheus.Gauge
}

var (
	defaultOnce sync.Once
	defaultSet  *Metrics
)

// Default returns the process-wide metrics set. promauto registers on
// the global registry, so this must stay a singleton.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultSet = newMetrics()
	})
	return defaultSet
}

func newMetrics() *Metrics {
	return &Metrics{
		RouteDecisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atmosphere_route_decisions_total",
				Help: "Routing decisions by result",
			},
			[]string{"result"}, // ok, explicit, no_capability, error
		),

		RouteDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "atmosphere_route_duration_seconds",
				Help:    "Time spent scoring one intent",
				Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025},
			},
		),

		InvokeTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atmosphere_invoke_total",
				Help: "Capability invocations by family, placement and outcome",
			},
			[]string{"family", "placement", "code"}, // placement: local, remote; code: ok or error code
		),

		InvokeDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "atmosphere_invoke_duration_seconds",
				Help:    "End-to-end invocation latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"family", "placement"},
		),

		InvokeFallback: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "atmosphere_invoke_fallback_total",
				Help: "Invocations that fell back to an alternative node",
			},
		),

		GossipFrames: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atmosphere_gossip_frames_total",
				Help: "Gossip frames by kind and what happened to them",
			},
			[]string{"kind", "action"}, // action: published, delivered, forwarded, deduped, dropped
		),

		SessionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "atmosphere_sessions_active",
				Help: "Live peer transport sessions",
			},
		),

		SessionRTT: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "atmosphere_session_rtt_seconds",
				Help: "Smoothed round-trip time per peer",
			},
			[]string{"peer"},
		),

		RegistrySize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "atmosphere_registry_capabilities",
				Help: "Capabilities currently in the registry",
			},
		),

		MeshNodes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "atmosphere_mesh_nodes",
				Help: "Distinct nodes with at least one registered capability",
			},
		),

		OwnCost: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "atmosphere_own_cost",
				Help: "This node's current cost multiplier",
			},
		),
	}
}

// RecordRoute notes one routing decision.
func (m *Metrics) RecordRoute(result string, seconds float64) {
	m.RouteDecisions.WithLabelValues(result).Inc()
	m.RouteDuration.Observe(seconds)
}

// RecordInvoke notes one invocation attempt outcome.
func (m *Metrics) RecordInvoke(family, placement, code string, seconds float64) {
	m.InvokeTotal.WithLabelValues(family, placement, code).Inc()
	m.InvokeDuration.WithLabelValues(family, placement).Observe(seconds)
}

// RecordGossip notes what happened to one gossip frame.
func (m *Metrics) RecordGossip(kind, action string) {
	m.GossipFrames.WithLabelValues(kind, action).Inc()
}

// SetSessionRTT publishes a peer's smoothed RTT.
func (m *Metrics) SetSessionRTT(peer string, seconds float64) {
	m.SessionRTT.WithLabelValues(peer).Set(seconds)
}

// DropSessionRTT removes a departed peer's gauge.
func (m *Metrics) DropSessionRTT(peer string) {
	m.SessionRTT.DeleteLabelValues(peer)
}
