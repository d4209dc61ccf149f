package processing

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"

	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/models"
)

// Ollama API endpoint for local embeddings
const DefaultOllamaURL = "http://localhost:11434"

// OllamaBackend embeds through a local Ollama server.
type OllamaBackend struct {
	client *api.Client
	model  string
}

func NewOllamaBackend(baseURL, model string, httpClient *http.Client) (*OllamaBackend, error) {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing ollama url %q: %w", baseURL, err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &OllamaBackend{client: api.NewClient(u, httpClient), model: model}, nil
}

func (b *OllamaBackend) Model() string { return b.model }

func (b *OllamaBackend) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := b.client.Embed(ctx, &api.EmbedRequest{
		Model: b.model,
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	return resp.Embeddings, nil
}

// OllamaLoader returns a Loader that verifies the model answers before use. A dim
// above zero also requires the model to produce vectors of that dimension.
func OllamaLoader(baseURL string, dim int, httpClient *http.Client) models.Loader[EmbeddingBackend] {
	return func(ctx context.Context, model string) (EmbeddingBackend, error) {
		b, err := NewOllamaBackend(baseURL, model, httpClient)
		if err != nil {
			return nil, err
		}
		if err := probe(ctx, b, dim); err != nil {
			return nil, err
		}
		return b, nil
	}
}

func probe(ctx context.Context, b EmbeddingBackend, dim int) error {
	vecs, err := b.Embed(ctx, []string{"health check"})
	if err != nil {
		return err
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return fmt.Errorf("model %s returned no embedding", b.Model())
	}
	if dim > 0 && len(vecs[0]) != dim {
		return fmt.Errorf("%w: model %s produces %d dimensions, index expects %d",
			ErrDimensionMismatch, b.Model(), len(vecs[0]), dim)
	}
	return nil
}
