package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"

	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/graph"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/ingestion"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/models"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/processing"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/rerank"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/retrieval"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/storage"
)

type (
	UploadResponse struct {
		Status     string `json:"status"`
		Message    string `json:"message"`
		Chunks     int    `json:"chunks"`
		Filename   string `json:"filename"`
		DocumentID string `json:"document_id"`
	}

	RAGQueryRequest struct {
		Query           string `json:"query"`
		TopK            int    `json:"top_k"`
		EnableRerank    *bool  `json:"enable_rerank,omitempty"`
		EnableReranking *bool  `json:"enableReranking,omitempty"`
	}

	RAGResult struct {
		Content  string         `json:"content"`
		Metadata map[string]any `json:"metadata"`
		Score    float64        `json:"score"`
	}

	RAGQueryResponse struct {
		Results  []RAGResult `json:"results"`
		Reranked bool        `json:"reranked"`
		Degraded bool        `json:"degraded"`
		Warning  string      `json:"warning,omitempty"`
	}

	AgentQueryRequest struct {
		Query         string `json:"query"`
		MaxIterations int    `json:"maxIterations"`
		IncludeRAG    *bool  `json:"includeRAG,omitempty"`
	}

	AgentQueryResponse struct {
		Answer     string       `json:"answer"`
		Status     graph.Status `json:"status"`
		Iterations int          `json:"iterations"`
		Trace      []graph.Step `json:"trace"`
		Error      string       `json:"error,omitempty"`
	}

	SummaryRequest struct {
		Prompt    string `json:"prompt"`
		SessionID string `json:"sessionId,omitempty"`
	}

	errorResponse struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
)

func (s *Server) handleUpload(field string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			writeError(w, http.StatusBadRequest, "invalid multipart upload: "+err.Error())
			return
		}
		file, header, err := r.FormFile(field)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("missing %q file field", field))
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			writeError(w, http.StatusBadRequest, "reading upload: "+err.Error())
			return
		}
		filename := filepath.Base(header.Filename)
		if err := s.keepUpload(filename, data); err != nil {
			s.logger.Warn().Err(err).Str("filename", filename).Msg("could not keep uploaded file")
		}

		res, err := s.docs.Ingest(r.Context(), retrieval.Document{
			Filename: filename,
			Source:   processing.SourceUpload,
			Data:     data,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		kind := "Document"
		if field == "pdf" {
			kind = "PDF"
		}
		writeJSONResponse(w, http.StatusOK, UploadResponse{
			Status:     "success",
			Message:    fmt.Sprintf("%s processed successfully. Created %d chunks.", kind, res.ChunkCount),
			Chunks:     res.ChunkCount,
			Filename:   filename,
			DocumentID: res.DocumentID,
		})
	}
}

func (s *Server) keepUpload(filename string, data []byte) error {
	if s.uploadDir == "" {
		return nil
	}
	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.uploadDir, filename), data, 0o644)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.docs.Documents(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"documents": docs})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	n, err := s.docs.DeleteDocument(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"status": "success", "deleted": n})
}

func (s *Server) handleRAGQuery(w http.ResponseWriter, r *http.Request) {
	var req RAGQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	useRerank := s.rerankByDflt
	switch {
	case req.EnableRerank != nil:
		useRerank = *req.EnableRerank
	case req.EnableReranking != nil:
		useRerank = *req.EnableReranking
	}

	res, err := s.docs.Retrieve(r.Context(), retrieval.Query{Text: req.Query, TopK: req.TopK, Rerank: useRerank})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	out := make([]RAGResult, len(res.Documents))
	for i, d := range res.Documents {
		out[i] = RAGResult{Content: d.Content, Metadata: d.Metadata, Score: d.Score}
	}
	writeJSONResponse(w, http.StatusOK, RAGQueryResponse{
		Results:  out,
		Reranked: res.Reranked,
		Degraded: res.Degraded,
		Warning:  res.Warning,
	})
}

func (s *Server) agentRequest(req AgentQueryRequest) graph.Request {
	includeRAG := s.includeRAG
	if req.IncludeRAG != nil {
		includeRAG = *req.IncludeRAG
	}
	return graph.Request{Query: req.Query, MaxIterations: req.MaxIterations, IncludeRAG: &includeRAG}
}

func (s *Server) handleAgentQuery(w http.ResponseWriter, r *http.Request) {
	var req AgentQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, retrieval.ErrEmptyQuery.Error())
		return
	}
	res := s.agent.Run(r.Context(), s.agentRequest(req))
	resp := AgentQueryResponse{Answer: res.Answer, Status: res.Status, Iterations: res.Iterations, Trace: res.Trace}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (s *Server) handleLLMSummary(w http.ResponseWriter, r *http.Request) {
	var req SummaryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt must not be empty")
		return
	}
	res := s.agent.Run(r.Context(), s.agentRequest(AgentQueryRequest{Query: req.Prompt}))
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"response":  res.Answer,
		"status":    res.Status,
		"message":   "Response generated using integrated RAG, MCP, and LLM agent",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func writeServiceError(w http.ResponseWriter, err error) {
	var parseErr *ingestion.DocumentParseError
	switch {
	case errors.Is(err, retrieval.ErrEmptyQuery),
		errors.Is(err, rerank.ErrNoDocuments),
		errors.Is(err, rerank.ErrTooManyDocuments),
		errors.Is(err, rerank.ErrRejected),
		errors.Is(err, ingestion.ErrUnsupportedType):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &parseErr):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, storage.ErrDocumentNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrInitializing):
		w.Header().Set("Retry-After", "5")
		writeJSONResponse(w, http.StatusServiceUnavailable, errorResponse{Status: rerank.StatusInitializing, Message: err.Error()})
	case errors.Is(err, models.ErrTimeout):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, models.ErrModelUnavailable), errors.Is(err, storage.ErrIndexUnavailable):
		writeJSONResponse(w, http.StatusServiceUnavailable, errorResponse{Status: rerank.StatusUnavailable, Message: err.Error()})
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
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
