package cache

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docservice_cache_results_total",
			Help: "Total action cache outcomes.",
		},
		[]string{"result"},
	)
	cacheCleansTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docservice_cache_cleans_total",
			Help: "Total cache clean patterns applied.",
		},
	)
	cacheLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docservice_cache_latency_seconds",
			Help:    "Action cache operation latency in seconds.",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
		[]string{"operation"},
	)
)

func incCacheResult(result string) {
	cacheResultsTotal.WithLabelValues(result).Inc()
}

func observeCacheLatency(operation string, start time.Time) {
	cacheLatencySeconds.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
