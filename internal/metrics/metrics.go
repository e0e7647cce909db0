package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lectern_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lectern_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	RateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lectern_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter",
		},
	)

	// Chat turn metrics
	ChatTurns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lectern_chat_turns_total",
			Help: "Total number of chat turns",
		},
		[]string{"streaming", "status"},
	)

	ChatTurnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lectern_chat_turn_duration_seconds",
			Help:    "End-to-end chat turn duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 90},
		},
	)

	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lectern_tool_calls_total",
			Help: "Total number of tool invocations by the agent",
		},
		[]string{"tool", "status"},
	)

	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lectern_llm_requests_total",
			Help: "Total number of LLM provider requests",
		},
		[]string{"model", "status"},
	)

	LLMTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lectern_llm_tokens_total",
			Help: "Total LLM tokens consumed",
		},
		[]string{"model", "direction"},
	)

	LLMCostUSD = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lectern_llm_cost_usd",
			Help:    "Cost in USD per LLM call",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1},
		},
	)

	// Retrieval metrics
	SearchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lectern_search_requests_total",
			Help: "Total number of search requests by mode",
		},
		[]string{"mode", "status"},
	)

	SearchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lectern_search_duration_seconds",
			Help:    "Search duration in seconds by mode",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"mode"},
	)

	QueryIntent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lectern_query_intent_total",
			Help: "Detected query intents",
		},
		[]string{"intent"},
	)

	RetrievalDegraded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lectern_retrieval_degraded_total",
			Help: "Retrievals that fell back to text-only search",
		},
	)

	// Embedding client metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lectern_embedding_requests_total",
			Help: "Total number of embedding provider requests",
		},
		[]string{"status"},
	)

	EmbeddingBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lectern_embedding_batch_size",
			Help:    "Effective batch sizes sent to the embedding provider",
			Buckets: []float64{1, 10, 25, 50, 100, 150, 200},
		},
	)

	EmbeddingLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lectern_embedding_latency_seconds",
			Help:    "Embedding provider call latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	EmbeddingRateLimitWaits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lectern_embedding_rate_limit_waits_total",
			Help: "Times the embedding client slept on the rate window",
		},
	)

	EmbeddingTruncations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lectern_embedding_truncations_total",
			Help: "Embedding inputs truncated to the character limit",
		},
	)

	EmbeddingFailedBatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lectern_embedding_failed_batches_total",
			Help: "Embedding batches zero-filled after exhausting retries",
		},
	)

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lectern_cache_hits_total",
			Help: "Cache hits by tier",
		},
		[]string{"tier"},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lectern_cache_misses_total",
			Help: "Cache misses",
		},
	)

	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lectern_cache_evictions_total",
			Help: "Cache evictions by reason",
		},
		[]string{"reason"},
	)

	CacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lectern_cache_bytes",
			Help: "Bytes currently held by the in-process cache",
		},
	)

	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lectern_cache_entries",
			Help: "Entries currently held by the in-process cache",
		},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lectern_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lectern_circuit_breaker_trips_total",
			Help: "Circuit breaker transitions to open",
		},
		[]string{"name"},
	)

	// Store metrics
	StoreQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lectern_store_queries_total",
			Help: "Corpus store queries by operation",
		},
		[]string{"operation", "status"},
	)

	StoreQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lectern_store_query_duration_seconds",
			Help:    "Corpus store query duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"operation"},
	)

	// Session metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lectern_sessions_created_total",
			Help: "Total number of sessions created",
		},
	)

	SessionCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lectern_session_cache_hits_total",
			Help: "Session lookups served from the local cache",
		},
	)

	SessionCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lectern_session_cache_misses_total",
			Help: "Session lookups that fell through to Redis",
		},
	)

	SessionCacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lectern_session_cache_evictions_total",
			Help: "Sessions evicted from the local cache",
		},
	)

	// Streaming metrics
	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lectern_stream_subscribers",
			Help: "Currently connected stream subscribers",
		},
	)

	StreamEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lectern_stream_events_dropped_total",
			Help: "Events dropped because a subscriber was slow",
		},
	)

	// Usage metrics
	UsageRecordsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lectern_usage_records_written_total",
			Help: "Token usage records persisted",
		},
		[]string{"status"},
	)
)
