package ingester

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingester_events_applied",
	Help: "The number of stream events applied to the cache",
}, []string{"collection", "kind"})

var eventsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingester_events_skipped",
	Help: "The number of stream events ignored (unsubscribed collection or op)",
}, []string{"reason"})

var recordsInvalid = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingester_records_invalid",
	Help: "The number of records discarded for failing schema validation",
}, []string{"collection"})

var storageErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ingester_storage_errors",
	Help: "The number of cache writes that failed at the storage layer",
})

var backfillsTriggered = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ingester_profile_backfills_triggered",
	Help: "The number of fire-and-forget profile backfills launched",
})

var streamReconnects = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ingester_stream_reconnects",
	Help: "The number of times the firehose connection was re-established",
})

var eventLag = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "ingester_event_lag_seconds",
	Help:    "Delay between the event's asserted commit time and local ingestion",
	Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
})
