package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pipeline metrics
	PipelinesStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hypercog_pipelines_started_total",
			Help: "Total number of enrichment pipelines started",
		},
	)

	PipelinesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hypercog_pipelines_completed_total",
			Help: "Total number of enrichment pipelines completed",
		},
		[]string{"path", "status"},
	)

	PipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hypercog_pipeline_duration_seconds",
			Help:    "End-to-end enrichment duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"path"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hypercog_stage_duration_seconds",
			Help:    "Duration of individual pipeline stages in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage", "outcome"},
	)

	SubtasksExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hypercog_subtasks_executed_total",
			Help: "Total number of subtasks run through the optimizer",
		},
		[]string{"status"},
	)

	// Agent metrics
	AgentQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hypercog_agent_queries_total",
			Help: "Total number of capability agent queries",
		},
		[]string{"agent", "result"},
	)

	AgentBatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hypercog_agent_batch_duration_seconds",
			Help:    "Capability agent batch duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"agent"},
	)

	// LLM metrics
	LLMCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hypercog_llm_calls_total",
			Help: "Total number of language model calls",
		},
		[]string{"caller", "status"},
	)

	LLMCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hypercog_llm_call_duration_seconds",
			Help:    "Language model call duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		},
		[]string{"caller"},
	)

	MalformedOutputs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hypercog_malformed_outputs_total",
			Help: "Language model outputs that failed to decode and fell back to defaults",
		},
		[]string{"stage"},
	)

	// Evaluator metrics
	ValidationCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hypercog_validation_cache_lookups_total",
			Help: "Validation cache lookups by tier and result",
		},
		[]string{"tier", "result"},
	)

	ValidationChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hypercog_validation_checks_total",
			Help: "Validation criteria executed during evaluation",
		},
		[]string{"criterion", "result"},
	)

	VerdictsDowngraded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hypercog_verdicts_downgraded_total",
			Help: "Sufficient verdicts downgraded for falling below the confidence floor",
		},
	)

	// Admission metrics
	AdmissionInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hypercog_admission_in_flight",
			Help: "External calls currently holding an admission slot",
		},
	)

	AdmissionWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hypercog_admission_wait_seconds",
			Help:    "Time spent waiting for an admission slot",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
		},
	)

	// Session metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hypercog_sessions_created_total",
			Help: "Total number of sessions created",
		},
	)

	SessionCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hypercog_session_cache_hits_total",
			Help: "Total number of session store hits",
		},
	)

	SessionCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hypercog_session_cache_misses_total",
			Help: "Total number of session store misses",
		},
	)

	// Persistence metrics
	ArtifactWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hypercog_artifact_writes_total",
			Help: "Audit artifacts written by sink and kind",
		},
		[]string{"sink", "kind", "status"},
	)

	// Vector DB metrics
	VectorSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hypercog_vector_search_total",
			Help: "Total number of vector searches",
		},
		[]string{"collection", "status"},
	)

	VectorSearchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hypercog_vector_search_latency_seconds",
			Help:    "Vector search latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collection"},
	)

	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hypercog_embedding_requests_total",
			Help: "Total number of embedding requests",
		},
		[]string{"model", "status"},
	)

	EmbeddingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hypercog_embedding_latency_seconds",
			Help:    "Embedding generation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)
)

// RecordPipelineMetrics records metrics for a finished enrichment run
func RecordPipelineMetrics(path, status string, durationSeconds float64) {
	PipelinesCompleted.WithLabelValues(path, status).Inc()
	if durationSeconds > 0 {
		PipelineDuration.WithLabelValues(path).Observe(durationSeconds)
	}
}

// RecordStage records one stage execution
func RecordStage(stage, outcome string, durationSeconds float64) {
	StageDuration.WithLabelValues(stage, outcome).Observe(durationSeconds)
}

// RecordAgentBatch records per-query outcomes and batch latency for an agent
func RecordAgentBatch(agent string, succeeded, failed int, durationSeconds float64) {
	if succeeded > 0 {
		AgentQueries.WithLabelValues(agent, "success").Add(float64(succeeded))
	}
	if failed > 0 {
		AgentQueries.WithLabelValues(agent, "failure").Add(float64(failed))
	}
	AgentBatchDuration.WithLabelValues(agent).Observe(durationSeconds)
}

// RecordLLMCall records a language model call
func RecordLLMCall(caller, status string, durationSeconds float64) {
	LLMCalls.WithLabelValues(caller, status).Inc()
	if durationSeconds > 0 {
		LLMCallDuration.WithLabelValues(caller).Observe(durationSeconds)
	}
}

// RecordVectorSearchMetrics records vector search metrics
func RecordVectorSearchMetrics(collection, status string, durationSeconds float64) {
	VectorSearches.WithLabelValues(collection, status).Inc()
	if durationSeconds > 0 {
		VectorSearchLatency.WithLabelValues(collection).Observe(durationSeconds)
	}
}

// RecordEmbeddingMetrics records embedding metrics
func RecordEmbeddingMetrics(model, status string, durationSeconds float64) {
	EmbeddingRequests.WithLabelValues(model, status).Inc()
	if durationSeconds > 0 {
		EmbeddingLatency.WithLabelValues(model).Observe(durationSeconds)
	}
}
