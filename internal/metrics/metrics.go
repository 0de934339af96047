// ABOUTME: Prometheus instruments for the relay
// ABOUTME: Counters for sends, feed events, feed errors and drops, plus registry size

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesSent counts relay sends by result ("ok" or "error").
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coven_relay_messages_sent_total",
			Help: "Total messages written by agent relays",
		},
		[]string{"result"},
	)

	// FeedEvents counts change events read by feed listeners.
	FeedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coven_relay_feed_events_total",
			Help: "Total change events received by feed listeners",
		},
		[]string{"action", "kind"},
	)

	FeedErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coven_relay_feed_errors_total",
			Help: "Total transient errors surfaced by change feeds",
		},
	)

	FeedDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coven_relay_feed_dropped_total",
			Help: "Total change events dropped for slow subscribers",
		},
	)

	AgentsRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coven_relay_agents_registered",
			Help: "Number of agents in the registry",
		},
	)
)
