// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tally"

var (
	// Rooms is the number of live rooms in the hub.
	Rooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rooms",
		Help:      "Number of live rooms.",
	})

	// Sessions is the number of channels attached to a room.
	Sessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions",
		Help:      "Number of attached sessions across all rooms.",
	})

	// Events counts events fanned out to rooms, by event type.
	Events = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_published_total",
		Help:      "Events published to rooms.",
	}, []string{"type"})

	// DroppedDeliveries counts sessions detached because their queue was full.
	DroppedDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dropped_deliveries_total",
		Help:      "Deliveries that failed and detached the receiving session.",
	})

	// Reaped counts rooms removed after their grace period.
	Reaped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rooms_reaped_total",
		Help:      "Rooms removed after sitting empty for the grace period.",
	})
)

// Handler exposes Prometheus metrics at /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}
