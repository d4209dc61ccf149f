package rerank

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/metrics"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/models"
)

// Request and response bodies of the standalone reranker service.
type (
	RerankRequest struct {
		Query        string     `json:"query"`
		Documents    []Document `json:"documents"`
		TopK         *int       `json:"top_k,omitempty"`
		ReturnScores *bool      `json:"return_scores,omitempty"`
	}

	RankedDocument struct {
		Content  string         `json:"content"`
		Metadata map[string]any `json:"metadata"`
		Score    *float64       `json:"score"`
		Index    int            `json:"index"`
	}

	RerankResponse struct {
		RerankedDocuments []RankedDocument `json:"reranked_documents"`
		Model             string           `json:"model"`
		Degraded          bool             `json:"degraded,omitempty"`
		ProcessingTime    float64          `json:"processing_time"`
		OriginalCount     int              `json:"original_count"`
		ReturnedCount     int              `json:"returned_count"`
	}

	ScoreRequest struct {
		Query           string   `json:"query"`
		Texts           []string `json:"texts"`
		ReturnRawScores bool     `json:"return_raw_scores"`
	}

	ScoreResponse struct {
		Scores        []float64 `json:"scores,omitempty"`
		Probabilities []float64 `json:"probabilities,omitempty"`
	}

	HealthResponse struct {
		Status      string `json:"status"`
		ModelLoaded bool   `json:"model_loaded"`
		ModelName   string `json:"model_name"`
		Tier        string `json:"tier,omitempty"`
	}

	errorResponse struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
)

// Health status values.
const (
	StatusHealthy      = "healthy"
	StatusInitializing = "initializing"
	StatusDegraded     = "degraded"
	StatusUnavailable  = "unavailable"
)

// HealthStatus maps a lifecycle snapshot onto the service health vocabulary.
func HealthStatus(st models.Status) string {
	switch st.State {
	case models.Ready:
		return StatusHealthy
	case models.Degraded:
		return StatusDegraded
	case models.Loading:
		return StatusInitializing
	default:
		return StatusUnavailable
	}
}

// Server exposes a Service over HTTP.
type Server struct {
	service *Service
	primary string
}

// NewServer serves svc; primary is the configured model reported while nothing is loaded.
func NewServer(svc *Service, primary string) *Server {
	return &Server{service: svc, primary: primary}
}

// Router returns the service routes including /metrics.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/", s.handleRoot).Methods("GET")
	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.HandleFunc("/rerank", s.instrument("/rerank", s.handleRerank)).Methods("POST")
	router.HandleFunc("/score", s.instrument("/score", s.handleScore)).Methods("POST")
	router.Handle("/metrics", promhttp.Handler())
	return router
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	}
}

func (s *Server) modelName() string {
	if m := s.service.Status().Model; m != "" {
		return m
	}
	return s.primary
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	status := "running"
	if !s.service.Status().Usable() {
		status = StatusInitializing
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"service": "reranker",
		"model":   s.modelName(),
		"status":  status,
		"endpoints": map[string]string{
			"health": "/health",
			"rerank": "/rerank",
			"score":  "/score",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.service.Status()
	resp := HealthResponse{
		Status:      HealthStatus(st),
		ModelLoaded: st.Usable(),
		ModelName:   s.modelName(),
		Tier:        string(st.Tier),
	}
	code := http.StatusOK
	if resp.Status == StatusUnavailable {
		code = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, code, resp)
}

func (s *Server) handleRerank(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req RerankRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	topK := DefaultTopK
	if req.TopK != nil {
		topK = *req.TopK
	}
	returnScores := req.ReturnScores == nil || *req.ReturnScores

	ranked, err := s.service.Rerank(r.Context(), req.Query, req.Documents, topK)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	docs := make([]RankedDocument, len(ranked))
	for i, d := range ranked {
		docs[i] = RankedDocument{Content: d.Content, Metadata: d.Metadata, Index: d.Index}
		if returnScores {
			score := d.Score
			docs[i].Score = &score
		}
	}
	st := s.service.Status()
	writeJSONResponse(w, http.StatusOK, RerankResponse{
		RerankedDocuments: docs,
		Model:             st.Model,
		Degraded:          st.State == models.Degraded,
		ProcessingTime:    time.Since(start).Seconds(),
		OriginalCount:     len(req.Documents),
		ReturnedCount:     len(docs),
	})
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	var req ScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	scores, err := s.service.Score(r.Context(), req.Query, req.Texts, req.ReturnRawScores)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if req.ReturnRawScores {
		writeJSONResponse(w, http.StatusOK, ScoreResponse{Scores: scores})
		return
	}
	writeJSONResponse(w, http.StatusOK, ScoreResponse{Probabilities: scores})
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNoDocuments), errors.Is(err, ErrTooManyDocuments):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrInitializing):
		w.Header().Set("Retry-After", "5")
		writeJSONResponse(w, http.StatusServiceUnavailable, errorResponse{Status: StatusInitializing, Message: err.Error()})
	case errors.Is(err, models.ErrTimeout):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, models.ErrModelUnavailable):
		writeJSONResponse(w, http.StatusServiceUnavailable, errorResponse{Status: StatusUnavailable, Message: err.Error()})
	default:
		writeError(w, http.StatusInternalServerError, "reranking failed: "+err.Error())
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSONResponse(w, code, errorResponse{Status: "error", Message: message})
}

func writeJSONResponse(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}
