package querier

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querier_queries_total",
		Help: "Queries executed against the columnar store.",
	}, []string{"result"})

	queryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "querier_query_duration_seconds",
		Help:    "Wall time per executed query.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	queryRows = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "querier_query_rows",
		Help:    "Rows returned per executed query.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	})
)
