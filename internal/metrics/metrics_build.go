// Package metrics holds the prometheus collectors of the build engine. All
// collectors register with the default registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	buildFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "propack_build_failed_total",
			Help: "Number of times a pack has failed to build",
		},
		[]string{"pack", "stage"},
	)

	buildCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "propack_build_count_total",
			Help: "Total number of pack builds",
		},
	)

	buildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "propack_build_duration_seconds",
			Help:    "Pack build duration in seconds",
			Buckets: []float64{0.1, 0.2, 0.5, 1, 1.5, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"pack"},
	)

	lastBuildEnd = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "propack_last_build_end_timestamp",
			Help: "Unix timestamp of when the last pack build ended",
		},
		[]string{"pack"},
	)

	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "propack_build_stage_duration_seconds",
			Help:    "Duration of each build stage in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)

	assetsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "propack_assets_processed_total",
			Help: "Number of assets that went through a transform chain",
		},
		[]string{"kind"},
	)

	transformDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "propack_transform_duration_seconds",
			Help:    "Duration of one transform chain run per asset kind",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		},
		[]string{"kind"},
	)
)

func BuildSucceeded(pack string, start time.Time) {
	buildCount.Inc()
	buildDuration.WithLabelValues(pack).Observe(time.Since(start).Seconds())
	lastBuildEnd.WithLabelValues(pack).SetToCurrentTime()
}

func BuildFailed(pack, stage string) {
	buildCount.Inc()
	buildFailed.WithLabelValues(pack, stage).Inc()
	lastBuildEnd.WithLabelValues(pack).SetToCurrentTime()
}

func StageFinished(stage string, start time.Time) {
	stageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

func AssetProcessed(kind string, start time.Time) {
	assetsProcessed.WithLabelValues(kind).Inc()
	transformDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}
