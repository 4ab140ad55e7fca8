package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by key kind
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "odata_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"kind"}, // "metadata", "session", "oauth", ...
	)

	// CacheMisses tracks cache misses by key kind
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "odata_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"kind"},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "odata_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete"
	)
)
