package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/graph"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/logging"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/metrics"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/retrieval"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/storage"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/tools"
)

const defaultMaxUpload = 50 << 20

// Documents is the document side of the service, implemented by retrieval.Pipeline.
type Documents interface {
	Ingest(ctx context.Context, doc retrieval.Document) (retrieval.IngestResult, error)
	Retrieve(ctx context.Context, q retrieval.Query) (retrieval.Result, error)
	DeleteDocument(ctx context.Context, docID string) (int, error)
	Documents(ctx context.Context) ([]storage.Document, error)
}

// Runner is the agent, implemented by graph.Agent.
type Runner interface {
	Run(ctx context.Context, req graph.Request) graph.Result
	Stream(ctx context.Context, req graph.Request) <-chan graph.Event
}

// Server is the agent HTTP API.
type Server struct {
	docs         Documents
	agent        Runner
	registry     *tools.Registry
	probes       []namedProbe
	uploadDir    string
	maxUpload    int64
	rerankByDflt bool
	includeRAG   bool
	logger       zerolog.Logger
}

type Option func(*Server)

// WithRegistry serves the in-process tools on /mcp and /tools/list.
func WithRegistry(r *tools.Registry) Option {
	return func(s *Server) { s.registry = r }
}

// WithProbe adds a component to /api/health.
func WithProbe(name string, p Probe) Option {
	return func(s *Server) { s.probes = append(s.probes, namedProbe{name: name, probe: p}) }
}

// WithUploads keeps a copy of uploaded files in dir and caps request size.
func WithUploads(dir string, maxBytes int64) Option {
	return func(s *Server) {
		s.uploadDir = dir
		if maxBytes > 0 {
			s.maxUpload = maxBytes
		}
	}
}

// WithDefaults sets whether queries rerank and agent runs seed with retrieval when the
// request does not say.
func WithDefaults(rerank, includeRAG bool) Option {
	return func(s *Server) {
		s.rerankByDflt = rerank
		s.includeRAG = includeRAG
	}
}

func NewServer(docs Documents, agent Runner, opts ...Option) *Server {
	s := &Server{
		docs:         docs,
		agent:        agent,
		maxUpload:    defaultMaxUpload,
		rerankByDflt: true,
		logger:       logging.Component("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(cors)

	router.HandleFunc("/", s.handleRoot).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/upload-pdf", s.instrument("/api/upload-pdf", s.handleUpload("pdf"))).Methods("POST")
	api.HandleFunc("/documents", s.instrument("/api/documents", s.handleUpload("file"))).Methods("POST")
	api.HandleFunc("/documents", s.instrument("/api/documents", s.handleListDocuments)).Methods("GET")
	api.HandleFunc("/documents/{id}", s.instrument("/api/documents/{id}", s.handleDeleteDocument)).Methods("DELETE")
	api.HandleFunc("/rag-query", s.instrument("/api/rag-query", s.handleRAGQuery)).Methods("POST")
	api.HandleFunc("/agentic-rag/query", s.instrument("/api/agentic-rag/query", s.handleRAGQuery)).Methods("POST")
	api.HandleFunc("/agent/query", s.instrument("/api/agent/query", s.handleAgentQuery)).Methods("POST")
	api.HandleFunc("/agent/stream", s.instrument("/api/agent/stream", s.handleAgentStream)).Methods("POST")
	api.HandleFunc("/llm-summary", s.instrument("/api/llm-summary", s.handleLLMSummary)).Methods("POST")
	api.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	if s.registry != nil {
		s.registry.Routes(router)
	}
	router.Handle("/metrics", promhttp.Handler())
	return router
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) instrument(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
		s.logger.Debug().
			Str("method", r.Method).
			Str("endpoint", endpoint).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}
