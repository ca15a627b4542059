package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TurnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragops_turn_duration_seconds",
			Help:    "Chat turn processing duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"mode"},
	)

	TurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragops_turns_total",
			Help: "Total number of chat turns processed",
		},
		[]string{"status"},
	)

	RefusalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragops_refusals_total",
			Help: "Total number of refused turns",
		},
		[]string{"reason"},
	)

	SchemaViolationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ragops_schema_violations_total",
			Help: "Total answers failing schema validation",
		},
	)

	RetrievalResultsCount = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ragops_retrieval_results_count",
			Help:    "Number of evidence passages per turn",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragops_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	LLMCost = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragops_llm_cost_usd",
			Help: "Estimated LLM API cost in USD",
		},
		[]string{"model"},
	)

	EvalCasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragops_eval_cases_total",
			Help: "Total evaluation cases executed",
		},
		[]string{"status"},
	)

	EvalRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragops_eval_runs_total",
			Help: "Total evaluation runs by terminal status",
		},
		[]string{"status"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragops_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragops_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)
)

func Init() {
	prometheus.MustRegister(TurnDuration)
	prometheus.MustRegister(TurnsTotal)
	prometheus.MustRegister(RefusalsTotal)
	prometheus.MustRegister(SchemaViolationsTotal)
	prometheus.MustRegister(RetrievalResultsCount)
	prometheus.MustRegister(LLMTokensUsed)
	prometheus.MustRegister(LLMCost)
	prometheus.MustRegister(EvalCasesTotal)
	prometheus.MustRegister(EvalRunsTotal)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
