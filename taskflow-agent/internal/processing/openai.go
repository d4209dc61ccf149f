package processing

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/models"
)

// OpenAIBackend embeds through the OpenAI embeddings API or a compatible server.
type OpenAIBackend struct {
	client openai.Client
	model  string
}

func NewOpenAIBackend(apiKey, baseURL, model string) *OpenAIBackend {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIBackend{client: openai.NewClient(opts...), model: model}
}

func (b *OpenAIBackend) Model() string { return b.model }

func (b *OpenAIBackend) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := b.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(b.model),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		i := int(d.Index)
		if i < 0 || i >= len(out) {
			return nil, fmt.Errorf("openai embeddings: index %d out of range", i)
		}
		v := make([]float32, len(d.Embedding))
		for j, x := range d.Embedding {
			v[j] = float32(x)
		}
		out[i] = v
	}
	for i, v := range out {
		if v == nil {
			return nil, fmt.Errorf("openai embeddings: missing vector %d", i)
		}
	}
	return out, nil
}

func OpenAILoader(apiKey, baseURL string, dim int) models.Loader[EmbeddingBackend] {
	return func(ctx context.Context, model string) (EmbeddingBackend, error) {
		b := NewOpenAIBackend(apiKey, baseURL, model)
		if err := probe(ctx, b, dim); err != nil {
			return nil, err
		}
		return b, nil
	}
}
