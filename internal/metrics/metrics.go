package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "discovery",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "discovery",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 20},
	}, []string{"method", "path"})

	UpstreamRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "discovery",
		Name:      "upstream_requests_total",
		Help:      "Total requests to upstream sources (catalog, llm, embedding, forum, web) by result status.",
	}, []string{"source", "status"})

	UpstreamRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "discovery",
		Name:      "upstream_request_duration_seconds",
		Help:      "Upstream request duration in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30},
	}, []string{"source"})

	SourceAvailable = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "discovery",
		Name:      "community_source_available",
		Help:      "Whether a community source is available (1) or blocked after repeated failures (0).",
	}, []string{"source"})

	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "discovery",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open).",
	}, []string{"name"})

	CacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "discovery",
		Name:      "cache_hits_total",
		Help:      "Total cache hits by cache name.",
	}, []string{"cache"})

	CacheMissesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "discovery",
		Name:      "cache_misses_total",
		Help:      "Total cache misses by cache name.",
	}, []string{"cache"})

	SearchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "discovery",
		Name:      "searches_total",
		Help:      "Discovery searches by outcome.",
	}, []string{"outcome"})

	PoolSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "discovery",
		Name:      "candidate_pool_size",
		Help:      "Candidate pool size at the end of a search.",
		Buckets:   []float64{0, 5, 10, 20, 40, 80, 160},
	})

	RerankTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "discovery",
		Name:      "rerank_total",
		Help:      "Rerank attempts by the path that produced the ordering (llm, embedding, failed).",
	}, []string{"path"})

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "discovery",
		Name:      "active_sessions",
		Help:      "Discovery sessions currently held in memory.",
	})

	RateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "discovery",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the per-client limiter, by route.",
	}, []string{"path"})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		UpstreamRequestsTotal,
		UpstreamRequestDuration,
		SourceAvailable,
		BreakerState,
		CacheHitsTotal,
		CacheMissesTotal,
		SearchesTotal,
		PoolSize,
		RerankTotal,
		ActiveSessions,
		RateLimitedTotal,
	)
}
