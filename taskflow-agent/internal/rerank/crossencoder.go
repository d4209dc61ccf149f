package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/models"
)

// CrossEncoderScorer scores (query, text) pairs jointly through an inference server
// exposing a text-embeddings-inference style /rerank endpoint.
type CrossEncoderScorer struct {
	baseURL string
	model   string
	client  *http.Client
}

type inferenceRequest struct {
	Query     string   `json:"query"`
	Texts     []string `json:"texts"`
	RawScores bool     `json:"raw_scores"`
	Truncate  bool     `json:"truncate"`
}

type inferenceScore struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

func NewCrossEncoderScorer(baseURL, model string, client *http.Client) *CrossEncoderScorer {
	if client == nil {
		client = http.DefaultClient
	}
	return &CrossEncoderScorer{baseURL: strings.TrimRight(baseURL, "/"), model: model, client: client}
}

func (c *CrossEncoderScorer) Model() string { return c.model }

// Score returns raw logits in input order.
func (c *CrossEncoderScorer) Score(ctx context.Context, query string, texts []string) ([]float64, error) {
	body, err := json.Marshal(inferenceRequest{Query: query, Texts: texts, RawScores: true, Truncate: true})
	if err != nil {
		return nil, fmt.Errorf("marshaling rerank request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cross-encoder request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading cross-encoder response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("cross-encoder returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var results []inferenceScore
	if err := json.Unmarshal(payload, &results); err != nil {
		return nil, fmt.Errorf("decoding cross-encoder response: %w", err)
	}
	if len(results) != len(texts) {
		return nil, fmt.Errorf("cross-encoder returned %d scores for %d texts", len(results), len(texts))
	}
	scores := make([]float64, len(texts))
	seen := make([]bool, len(texts))
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(texts) || seen[r.Index] {
			return nil, fmt.Errorf("cross-encoder returned invalid index %d", r.Index)
		}
		seen[r.Index] = true
		scores[r.Index] = r.Score
	}
	return scores, nil
}

// CrossEncoderLoader resolves each model name to the inference endpoint serving it and
// checks that it answers before the model is marked loaded.
func CrossEncoderLoader(endpoints map[string]string, client *http.Client) models.Loader[Scorer] {
	return func(ctx context.Context, model string) (Scorer, error) {
		url, ok := endpoints[model]
		if !ok || url == "" {
			return nil, fmt.Errorf("no inference endpoint configured for %s", model)
		}
		s := NewCrossEncoderScorer(url, model, client)
		if _, err := s.Score(ctx, "health check", []string{"health check"}); err != nil {
			return nil, err
		}
		return s, nil
	}
}
