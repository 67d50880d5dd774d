package team

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var resolverCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "team_resolver_cache_hits_total",
	Help: "Action/cohort resolver cache hits.",
}, []string{"cache_type"})

var resolverCacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "team_resolver_cache_misses_total",
	Help: "Action/cohort resolver cache misses.",
}, []string{"cache_type"})
