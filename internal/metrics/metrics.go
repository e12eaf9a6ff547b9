package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	IngestStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "graphrag_ingest_stage_duration_seconds",
			Help:    "Ingestion stage duration in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"stage"},
	)

	DocumentsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphrag_documents_processed_total",
			Help: "Documents finished by the ingestion pipeline",
		},
		[]string{"status"},
	)

	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "graphrag_query_duration_seconds",
			Help:    "End-to-end answer generation duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 120},
		},
		[]string{"outcome"},
	)

	RetrievalResults = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "graphrag_retrieval_results",
			Help:    "Context items produced per retrieval",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
		[]string{"source"},
	)

	StreamTokens = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "graphrag_stream_tokens_total",
			Help: "Content tokens forwarded to clients",
		},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphrag_llm_tokens_total",
			Help: "Estimated LLM tokens used",
		},
		[]string{"type"},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "graphrag_sessions_active",
			Help: "Sessions created and not yet expired",
		},
	)
)

func Init() {
	prometheus.MustRegister(IngestStageDuration)
	prometheus.MustRegister(DocumentsProcessed)
	prometheus.MustRegister(QueryDuration)
	prometheus.MustRegister(RetrievalResults)
	prometheus.MustRegister(StreamTokens)
	prometheus.MustRegister(LLMTokensUsed)
	prometheus.MustRegister(ActiveSessions)
}

func Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
