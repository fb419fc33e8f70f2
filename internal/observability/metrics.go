package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

// Metrics holds the Prometheus collectors shared across components.
type Metrics struct {
	registry *prometheus.Registry

	SearchRequests    *prometheus.CounterVec
	SearchDuration    *prometheus.HistogramVec
	CacheHits         *prometheus.CounterVec
	CacheMisses       *prometheus.CounterVec
	CacheEvictions    prometheus.Counter
	AIFeatureRuns     *prometheus.CounterVec
	AIFeatureFailures *prometheus.CounterVec
	LLMTokensUsed     *prometheus.CounterVec
	LLMCostUSD        *prometheus.CounterVec
	EmbeddingsWritten prometheus.Counter
	TasksByState      *prometheus.GaugeVec
	ESRequestErrors   prometheus.Counter
}

// NewMetrics registers and returns the collector set on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		SearchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "planning_explorer",
			Name:      "search_requests_total",
			Help:      "Search requests by kind (text, semantic, natural_language).",
		}, []string{"kind"}),
		SearchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "planning_explorer",
			Name:      "search_duration_seconds",
			Help:      "Search latency by kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "planning_explorer",
			Name:      "cache_hits_total",
			Help:      "Cache hits by cache type.",
		}, []string{"cache_type"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "planning_explorer",
			Name:      "cache_misses_total",
			Help:      "Cache misses by cache type.",
		}, []string{"cache_type"}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "planning_explorer",
			Name:      "cache_evictions_total",
			Help:      "Entries evicted to free space.",
		}),
		AIFeatureRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "planning_explorer",
			Name:      "ai_feature_runs_total",
			Help:      "AI feature executions by feature name.",
		}, []string{"feature"}),
		AIFeatureFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "planning_explorer",
			Name:      "ai_feature_failures_total",
			Help:      "AI feature failures by feature name.",
		}, []string{"feature"}),
		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "planning_explorer",
			Name:      "llm_tokens_total",
			Help:      "LLM tokens consumed by model.",
		}, []string{"model"}),
		LLMCostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "planning_explorer",
			Name:      "llm_cost_usd_total",
			Help:      "Accumulated LLM spend in USD by model.",
		}, []string{"model"}),
		EmbeddingsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "planning_explorer",
			Name:      "embeddings_written_total",
			Help:      "Embedding vectors written back to the index.",
		}),
		TasksByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "planning_explorer",
			Name:      "background_tasks",
			Help:      "Background tasks by state.",
		}, []string{"state"}),
		ESRequestErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "planning_explorer",
			Name:      "es_request_errors_total",
			Help:      "Elasticsearch request failures.",
		}),
	}

	reg.MustRegister(
		m.SearchRequests, m.SearchDuration,
		m.CacheHits, m.CacheMisses, m.CacheEvictions,
		m.AIFeatureRuns, m.AIFeatureFailures,
		m.LLMTokensUsed, m.LLMCostUSD,
		m.EmbeddingsWritten, m.TasksByState, m.ESRequestErrors,
	)

	return m
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
