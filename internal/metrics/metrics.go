// Package metrics provides Prometheus instrumentation for the Ember chat
// application. It exposes gauges for connection and search-queue sizes,
// counters for lifecycle transitions, and a histogram for pairing latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ember_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// SearchQueueSize tracks the current number of users in the matchmaking queue.
	SearchQueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ember_search_queue_size",
		Help: "Current number of users waiting in the matchmaking queue",
	})

	// ActiveTemporaryChats tracks temporary conversations that have not yet
	// been promoted, terminated, or expired.
	ActiveTemporaryChats = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ember_active_temporary_chats",
		Help: "Current number of live temporary conversations",
	})

	// MatchesTotal counts successful pairings.
	MatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ember_matches_total",
		Help: "Total number of successful pairings",
	})

	// PromotionsTotal counts temporary conversations promoted to permanent.
	PromotionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ember_promotions_total",
		Help: "Total number of conversations promoted to permanent",
	})

	// TerminationsTotal counts terminated conversations, labeled by reason:
	// "left", "expired".
	TerminationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ember_terminations_total",
		Help: "Total number of terminated temporary conversations",
	}, []string{"reason"})

	// ReapedEntriesTotal counts queue entries expired by the reaper sweep.
	ReapedEntriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ember_reaped_queue_entries_total",
		Help: "Total number of queue entries expired by the reaper",
	})

	// MatchWaitSeconds records the time from search start to pairing.
	MatchWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ember_match_wait_seconds",
		Help:    "Time from search start to successful pairing",
		Buckets: []float64{.5, 1, 2, 5, 10, 30, 60, 120, 300},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		SearchQueueSize,
		ActiveTemporaryChats,
		MatchesTotal,
		PromotionsTotal,
		TerminationsTotal,
		ReapedEntriesTotal,
		MatchWaitSeconds,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
