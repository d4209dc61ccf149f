package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskflow_http_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "taskflow_http_request_duration_seconds",
			Help: "Duration of API requests",
		},
		[]string{"method", "endpoint"},
	)
	ModelCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskflow_model_calls_total",
			Help: "Total number of embedding, rerank and generation calls",
		},
		[]string{"kind", "model", "status"},
	)
	ModelCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskflow_model_call_duration_seconds",
			Help:    "Duration of model calls",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"kind", "model"},
	)
	EmbeddingCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskflow_embedding_cache_total",
			Help: "Embedding cache lookups by result",
		},
		[]string{"result"},
	)
	IndexOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskflow_index_operations_total",
			Help: "Vector index operations",
		},
		[]string{"backend", "operation", "status"},
	)
	ChunksIngestedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskflow_chunks_ingested_total",
			Help: "Total number of chunks written to the vector index",
		},
	)
	AgentIterations = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskflow_agent_iterations",
			Help:    "Iterations used per agent run",
			Buckets: prometheus.LinearBuckets(1, 1, 15),
		},
		[]string{"status"},
	)
	AgentActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskflow_agent_actions_total",
			Help: "Agent actions by kind and outcome",
		},
		[]string{"action", "status"},
	)
	MCPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskflow_mcp_requests_total",
			Help: "Total number of MCP requests",
		},
		[]string{"method", "status"},
	)
	MCPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "taskflow_mcp_request_duration_seconds",
			Help: "Duration of MCP requests",
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(ModelCallsTotal)
	prometheus.MustRegister(ModelCallDuration)
	prometheus.MustRegister(EmbeddingCacheTotal)
	prometheus.MustRegister(IndexOperationsTotal)
	prometheus.MustRegister(ChunksIngestedTotal)
	prometheus.MustRegister(AgentIterations)
	prometheus.MustRegister(AgentActionsTotal)
	prometheus.MustRegister(MCPRequestsTotal)
	prometheus.MustRegister(MCPRequestDuration)
}

// ObserveModelCall records one model invocation that started at start.
func ObserveModelCall(kind, model string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	ModelCallsTotal.WithLabelValues(kind, model, status).Inc()
	ModelCallDuration.WithLabelValues(kind, model).Observe(time.Since(start).Seconds())
}

// ObserveIndex records one vector index operation.
func ObserveIndex(backend, op string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	IndexOperationsTotal.WithLabelValues(backend, op, status).Inc()
}
