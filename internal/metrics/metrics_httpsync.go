package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpSyncFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "propack_http_sync_failed_total",
			Help: "Total number of failed archive downloads",
		},
		[]string{"pack", "url"},
	)

	httpSyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "propack_http_sync_duration_seconds",
			Help:    "Archive download duration in seconds",
			Buckets: []float64{0.1, 0.2, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"pack", "url"},
	)
)

func HTTPSyncFailed(pack, url string) {
	httpSyncFailed.WithLabelValues(pack, url).Inc()
}

func HTTPSyncSucceeded(pack, url string, start time.Time) {
	httpSyncDuration.WithLabelValues(pack, url).Observe(time.Since(start).Seconds())
}
