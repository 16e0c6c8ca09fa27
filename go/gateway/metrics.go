package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "facet_queries_total",
		Help: "Executed queries by backend dialect and outcome.",
	}, []string{"dialect", "status"})

	queryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "facet_query_duration_seconds",
		Help:    "Backend execution time of translated queries.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"dialect"})

	metadataRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "facet_metadata_refreshes_total",
		Help: "Metadata refreshes by backend dialect and outcome.",
	}, []string{"dialect", "status"})
)
