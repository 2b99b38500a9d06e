package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Capture metrics
	RemembersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tribalmemory_remembers_total",
			Help: "Total number of remember operations",
		},
		[]string{"source_type", "status"},
	)

	RememberDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tribalmemory_remember_duration_seconds",
			Help:    "Remember operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DedupHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tribalmemory_dedup_hits_total",
			Help: "Total number of duplicate captures rejected",
		},
		[]string{"kind"},
	)

	// Recall metrics
	RecallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tribalmemory_recalls_total",
			Help: "Total number of recall operations",
		},
		[]string{"status"},
	)

	RecallDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tribalmemory_recall_duration_seconds",
			Help:    "Recall pipeline duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RecallResults = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tribalmemory_recall_results",
			Help:    "Number of results returned per recall",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
	)

	RecallCandidates = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tribalmemory_recall_candidates",
			Help:    "Candidate pool size per recall branch",
			Buckets: []float64{0, 1, 5, 10, 20, 50, 100},
		},
		[]string{"branch"},
	)

	GraphExpansions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tribalmemory_graph_expansions_total",
			Help: "Total number of graph expansions during recall",
		},
		[]string{"status"},
	)

	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tribalmemory_embedding_requests_total",
			Help: "Total number of embedding requests",
		},
		[]string{"model", "status"},
	)

	EmbeddingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tribalmemory_embedding_latency_seconds",
			Help:    "Embedding generation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	EmbeddingCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tribalmemory_embedding_cache_hits_total",
			Help: "Total number of embedding cache hits",
		},
		[]string{"level"},
	)

	EmbeddingCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tribalmemory_embedding_cache_misses_total",
			Help: "Total number of embedding cache misses",
		},
	)

	// Safeguard metrics
	TriggerSkips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tribalmemory_trigger_skips_total",
			Help: "Total number of queries skipped by the smart trigger",
		},
		[]string{"reason"},
	)

	BreakerTrips = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tribalmemory_circuit_breaker_trips_total",
			Help: "Total number of per-session circuit breaker trips",
		},
	)

	BreakerSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tribalmemory_circuit_breaker_suppressed_total",
			Help: "Total number of recalls suppressed by an open circuit breaker",
		},
	)

	BudgetTokensRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tribalmemory_budget_tokens_total",
			Help: "Snippet tokens recorded against budgets",
		},
		[]string{"scope"},
	)

	BudgetTruncations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tribalmemory_budget_truncations_total",
			Help: "Total number of recalls cut short by a token budget cap",
		},
	)

	SessionDedupSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tribalmemory_session_dedup_suppressed_total",
			Help: "Total number of results suppressed by session dedup",
		},
	)

	AlertsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tribalmemory_alerts_emitted_total",
			Help: "Total number of transition alerts emitted",
		},
		[]string{"condition"},
	)

	// Learned-retrieval metrics
	QueryCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tribalmemory_query_cache_hits_total",
			Help: "Total number of learned query cache hits",
		},
	)

	QueryCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tribalmemory_query_cache_misses_total",
			Help: "Total number of learned query cache misses",
		},
	)

	QueryExpansions = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tribalmemory_query_expansion_variants",
			Help:    "Number of variants produced per query expansion",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 7, 8},
		},
	)

	FeedbackEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tribalmemory_feedback_events_total",
			Help: "Total number of feedback events recorded",
		},
		[]string{"kind"},
	)

	// Session index metrics
	SessionChunksIndexed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tribalmemory_session_chunks_indexed_total",
			Help: "Total number of transcript chunks indexed",
		},
	)

	SessionChunksPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tribalmemory_session_chunks_purged_total",
			Help: "Total number of transcript chunks removed by retention cleanup",
		},
	)

	// Persistence metrics
	AuditQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tribalmemory_audit_queue_depth",
			Help: "Current depth of the async audit write queue",
		},
	)

	AuditWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tribalmemory_audit_write_failures_total",
			Help: "Total number of failed audit log writes",
		},
	)
)

// RecordRecallMetrics records metrics for a completed recall.
func RecordRecallMetrics(status string, durationSeconds float64, results int) {
	RecallsTotal.WithLabelValues(status).Inc()
	RecallDuration.Observe(durationSeconds)
	RecallResults.Observe(float64(results))
}

// RecordRememberMetrics records metrics for a completed remember.
func RecordRememberMetrics(sourceType, status string, durationSeconds float64) {
	RemembersTotal.WithLabelValues(sourceType, status).Inc()
	RememberDuration.Observe(durationSeconds)
}

// RecordEmbeddingMetrics records embedding request metrics.
func RecordEmbeddingMetrics(model, status string, durationSeconds float64) {
	EmbeddingRequests.WithLabelValues(model, status).Inc()
	if durationSeconds > 0 {
		EmbeddingLatency.WithLabelValues(model).Observe(durationSeconds)
	}
}

// RecordBudgetTokens adds snippet tokens against a budget scope.
func RecordBudgetTokens(scope string, tokens int) {
	if tokens > 0 {
		BudgetTokensRecorded.WithLabelValues(scope).Add(float64(tokens))
	}
}
