package bq

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "bq_queue_depth",
	Help: "The current depth of the BQ event buffer",
}, []string{"table"})

var eventsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bq_events_enqueued",
	Help: "The number of status events enqueued for BQ insertion",
}, []string{"table"})

var eventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bq_events_dropped",
	Help: "The number of status events dropped due to a full buffer",
}, []string{"table"})

var batchSubmissionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "bq_batch_submission_duration",
	Help:    "The duration of time it takes to submit a batch of events to BQ",
	Buckets: prometheus.DefBuckets,
}, []string{"table"})

var batchSizeHist = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "bq_batch_size",
	Help:    "The size of a batch of events submitted to BQ",
	Buckets: prometheus.ExponentialBuckets(1, 2, 20),
}, []string{"table"})
