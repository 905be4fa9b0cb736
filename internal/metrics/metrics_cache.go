package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "propack_cache_lookups_total",
			Help: "Build cache lookups by result (hit, miss)",
		},
		[]string{"result"},
	)

	cacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "propack_cache_corrupt_evictions_total",
			Help: "Build cache entries evicted because they failed verification",
		},
	)
)

func CacheHit()  { cacheLookups.WithLabelValues("hit").Inc() }
func CacheMiss() { cacheLookups.WithLabelValues("miss").Inc() }

func CacheEvicted() { cacheEvictions.Inc() }
