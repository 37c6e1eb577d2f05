package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Set bundles the process-wide collectors for the distribution core.
type Set struct {
	Registry *prometheus.Registry

	ConnectionsActive  prometheus.Gauge
	ConnectionsEvicted prometheus.Counter
	EventsPublished    prometheus.Counter
	EventsDropped      prometheus.Counter
	WritesCommitted    prometheus.Counter
}

// NewSet constructs and registers the collectors on a fresh registry so
// tests can run isolated instances.
func NewSet() *Set {
	registry := prometheus.NewRegistry()
	set := &Set{
		Registry: registry,
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "workchat_hub_connections_active",
			Help: "Live connections registered with the broadcast hub.",
		}),
		ConnectionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workchat_hub_connections_evicted_total",
			Help: "Connections evicted after failed heartbeat checks.",
		}),
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workchat_hub_events_published_total",
			Help: "Events enqueued across all live connections.",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workchat_hub_events_dropped_total",
			Help: "Events dropped from full connection queues.",
		}),
		WritesCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workchat_store_writes_committed_total",
			Help: "Message store transactions committed.",
		}),
	}
	registry.MustRegister(
		set.ConnectionsActive,
		set.ConnectionsEvicted,
		set.EventsPublished,
		set.EventsDropped,
		set.WritesCommitted,
	)
	return set
}
