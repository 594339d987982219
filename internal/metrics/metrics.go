// Package metrics declares the indexer's Prometheus collectors.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grants_indexer_events_processed_total",
		Help: "Events dispatched and applied, by chain and contract",
	}, []string{"chain_id", "contract"})

	EventsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grants_indexer_events_skipped_total",
		Help: "Events skipped because of a known-domain failure",
	}, []string{"chain_id", "reason"})

	PriceCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grants_indexer_price_cache_lookups_total",
		Help: "Price resolutions by outcome (hit, store, fetch)",
	}, []string{"outcome"})

	ActiveSubscriptions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "grants_indexer_active_subscriptions",
		Help: "Contracts currently being decoded",
	}, []string{"chain_id"})

	IndexedBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "grants_indexer_indexed_block",
		Help: "Highest block fully processed",
	}, []string{"chain_id"})

	ListenerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "grants_indexer_listener_state",
		Help: "1 for the listener's current state, 0 otherwise",
	}, []string{"chain_id", "state"})

	PollDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "grants_indexer_poll_duration_seconds",
		Help:    "Time taken by one poll cycle",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"chain_id"})

	DonationFlushSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "grants_indexer_donation_flush_size",
		Help:    "Donations written per flush",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	SubscriptionsPruned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grants_indexer_subscriptions_pruned_total",
		Help: "Subscriptions removed after their expiration window",
	}, []string{"chain_id"})
)

// Chain formats a chain id as a label value.
func Chain(id int64) string {
	return strconv.FormatInt(id, 10)
}
