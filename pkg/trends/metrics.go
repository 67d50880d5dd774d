package trends

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "trends_runs_total",
	Help: "Total number of trends query runs",
}, []string{"result"})

var expandedQueries = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "trends_expanded_queries",
	Help:    "Number of engine queries one trends run expands into",
	Buckets: prometheus.ExponentialBuckets(1, 2, 8),
})

var runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "trends_run_duration_seconds",
	Help:    "End-to-end duration of a trends run",
	Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
})

var cacheStitchResults = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "trends_cache_stitch_total",
	Help: "Cache stitch verification outcomes",
}, []string{"result"})

var cacheWarmRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "trends_cache_warm_runs_total",
	Help: "Background cache warm run outcomes",
}, []string{"result"})
