package profiles

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var profilesCached = promauto.NewCounter(prometheus.CounterOpts{
	Name: "profiles_cached",
	Help: "The number of profiles fetched from the network and cached",
})
