package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/models"
)

// Client calls a standalone reranker service.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Rerank(ctx context.Context, query string, docs []Document, topK int) ([]ScoredDocument, error) {
	if err := Validate(len(docs)); err != nil {
		return nil, err
	}
	returnScores := true
	var resp RerankResponse
	if err := c.post(ctx, "/rerank", RerankRequest{
		Query:        query,
		Documents:    docs,
		TopK:         &topK,
		ReturnScores: &returnScores,
	}, &resp); err != nil {
		return nil, err
	}

	out := make([]ScoredDocument, len(resp.RerankedDocuments))
	for i, d := range resp.RerankedDocuments {
		out[i] = ScoredDocument{Content: d.Content, Metadata: d.Metadata, Index: d.Index}
		if d.Score != nil {
			out[i].Score = *d.Score
		}
	}
	return out, nil
}

// Health fetches the service health report.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return HealthResponse{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return HealthResponse{Status: StatusUnavailable}, models.Classify(err)
	}
	defer resp.Body.Close()
	var h HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return HealthResponse{Status: StatusUnavailable}, fmt.Errorf("%w: decoding health: %w", models.ErrModelUnavailable, err)
	}
	return h, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("reranker request failed after %s: %w", time.Since(start).Round(time.Millisecond), models.Classify(err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading reranker response: %w", models.ErrModelUnavailable, err)
	}
	if resp.StatusCode >= 400 {
		var e errorResponse
		_ = json.Unmarshal(data, &e)
		msg := e.Message
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		switch {
		case resp.StatusCode == http.StatusServiceUnavailable && e.Status == StatusInitializing:
			return fmt.Errorf("reranker %w: %s", models.ErrInitializing, msg)
		case resp.StatusCode >= 500:
			return fmt.Errorf("%w: reranker returned %d: %s", models.ErrModelUnavailable, resp.StatusCode, msg)
		default:
			return fmt.Errorf("%w (%d): %s", ErrRejected, resp.StatusCode, msg)
		}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decoding reranker response: %w", models.ErrModelUnavailable, err)
	}
	return nil
}
