package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/models"
)

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServerRerankDefaultsAndScores(t *testing.T) {
	router := NewServer(readyService(&keywordScorer{}), "keyword").Router()

	rec := postJSON(t, router, "/rerank", map[string]any{
		"query":     "go",
		"documents": docs("go", "go go", "rust"),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp RerankResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.OriginalCount)
	assert.Equal(t, 3, resp.ReturnedCount)
	assert.Equal(t, "keyword", resp.Model)
	require.Len(t, resp.RerankedDocuments, 3)
	assert.Equal(t, "go go", resp.RerankedDocuments[0].Content)
	require.NotNil(t, resp.RerankedDocuments[0].Score)
	assert.Equal(t, 2.0, *resp.RerankedDocuments[0].Score)
}

func TestServerRerankWithoutScores(t *testing.T) {
	router := NewServer(readyService(&keywordScorer{}), "keyword").Router()
	rec := postJSON(t, router, "/rerank", map[string]any{
		"query":         "go",
		"documents":     docs("go", "go go"),
		"top_k":         1,
		"return_scores": false,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp RerankResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.RerankedDocuments, 1)
	assert.Nil(t, resp.RerankedDocuments[0].Score)
	assert.Equal(t, 1, resp.RerankedDocuments[0].Index)
}

func TestServerRerankValidationIs400(t *testing.T) {
	router := NewServer(readyService(&keywordScorer{}), "keyword").Router()

	rec := postJSON(t, router, "/rerank", map[string]any{"query": "q", "documents": []Document{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, router, "/rerank", map[string]any{"query": "q", "documents": make([]Document, 101)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "too many documents")
}

func TestServerInitializingIs503(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	lc := models.NewLifecycle[Scorer]("reranker", "primary", "", func(ctx context.Context, model string) (Scorer, error) {
		<-release
		return &keywordScorer{}, nil
	})
	lc.LoadAsync(context.Background())
	router := NewServer(NewService(lc), "primary").Router()

	rec := postJSON(t, router, "/rerank", map[string]any{"query": "q", "documents": docs("a")})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	hrec := httptest.NewRecorder()
	router.ServeHTTP(hrec, req)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(hrec.Body.Bytes(), &health))
	assert.Equal(t, StatusInitializing, health.Status)
	assert.False(t, health.ModelLoaded)
	assert.Equal(t, "primary", health.ModelName)
}

func TestServerScore(t *testing.T) {
	router := NewServer(readyService(&keywordScorer{}), "keyword").Router()

	rec := postJSON(t, router, "/score", ScoreRequest{Query: "a", Texts: []string{"a", "aa"}, ReturnRawScores: true})
	require.Equal(t, http.StatusOK, rec.Code)
	var raw ScoreResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	assert.Equal(t, []float64{1, 2}, raw.Scores)
	assert.Nil(t, raw.Probabilities)

	rec = postJSON(t, router, "/score", ScoreRequest{Query: "a", Texts: []string{"a"}})
	require.Equal(t, http.StatusOK, rec.Code)
	var probs ScoreResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &probs))
	require.Len(t, probs.Probabilities, 1)
	assert.InDelta(t, Sigmoid(1), probs.Probabilities[0], 1e-9)

	rec = postJSON(t, router, "/score", ScoreRequest{Query: "a"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClientAgainstServer(t *testing.T) {
	srv := httptest.NewServer(NewServer(readyService(&keywordScorer{}), "keyword").Router())
	defer srv.Close()
	client := NewClient(srv.URL, time.Second)

	got, err := client.Rerank(context.Background(), "go", docs("rust", "go", "go go"), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[0].Index)
	assert.Equal(t, 1, got[1].Index)
	assert.Equal(t, 2.0, got[0].Score)

	health, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, health.Status)

	_, err = client.Rerank(context.Background(), "go", nil, 2)
	assert.ErrorIs(t, err, ErrNoDocuments)
}

func TestClientMapsInitializing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusServiceUnavailable, errorResponse{Status: StatusInitializing, Message: "loading"})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).Rerank(context.Background(), "q", docs("a"), 1)
	assert.ErrorIs(t, err, models.ErrInitializing)
	assert.True(t, models.IsRetryable(err))
}

func TestCrossEncoderScorer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rerank", r.URL.Path)
		var req inferenceRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.RawScores)
		// Results come back sorted by score, not by input position.
		out := make([]inferenceScore, len(req.Texts))
		for i := range req.Texts {
			out[len(req.Texts)-1-i] = inferenceScore{Index: i, Score: float64(i) - 0.5}
		}
		json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	s := NewCrossEncoderScorer(srv.URL, "bge", nil)
	scores, err := s.Score(context.Background(), "q", []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, []float64{-0.5, 0.5, 1.5}, scores)
}

func TestCrossEncoderLoaderFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]inferenceScore{{Index: 0, Score: 1}})
	}))
	defer srv.Close()

	load := CrossEncoderLoader(map[string]string{"small": srv.URL}, nil)
	lc := models.NewLifecycle[Scorer]("reranker", "big", "small", load)
	require.NoError(t, lc.Load(context.Background()))
	st := lc.Status()
	assert.Equal(t, models.Degraded, st.State)
	assert.Equal(t, models.TierFallback, st.Tier)
}

func TestClientMapsRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusBadRequest, "too many documents (max 100): got 120")
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).Rerank(context.Background(), "q", docs("a"), 1)
	assert.ErrorIs(t, err, ErrRejected)
	assert.NotErrorIs(t, err, models.ErrModelUnavailable)
}
