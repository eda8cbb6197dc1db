package follows

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var followSyncs = promauto.NewCounter(prometheus.CounterOpts{
	Name: "follow_syncs",
	Help: "The number of completed follow graph resyncs",
})
