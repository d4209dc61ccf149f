package rerank

import (
	"context"
	"fmt"

	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/models"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/processing"
)

// EmbeddingScorer ranks by cosine similarity of independently embedded query and texts.
// It trades the cross-encoder's precision for reusing the embedding model.
type EmbeddingScorer struct {
	embedder *processing.Embedder
}

func NewEmbeddingScorer(e *processing.Embedder) *EmbeddingScorer {
	return &EmbeddingScorer{embedder: e}
}

func (s *EmbeddingScorer) Model() string {
	return "embedding:" + s.embedder.Status().Model
}

func (s *EmbeddingScorer) Score(ctx context.Context, query string, texts []string) ([]float64, error) {
	vecs, err := s.embedder.Embed(ctx, append([]string{query}, texts...))
	if err != nil {
		return nil, err
	}
	scores := make([]float64, len(texts))
	for i := range texts {
		scores[i] = processing.Cosine(vecs[0], vecs[i+1])
	}
	return scores, nil
}

// EmbeddingLoader serves the embedding scorer once the embedder is usable. The model
// name is informational; the embedder's own lifecycle picks the tier.
func EmbeddingLoader(e *processing.Embedder) models.Loader[Scorer] {
	return func(ctx context.Context, model string) (Scorer, error) {
		if st := e.Status(); !st.Usable() {
			return nil, fmt.Errorf("%w: embedder is %s", models.ErrModelUnavailable, st.State)
		}
		return NewEmbeddingScorer(e), nil
	}
}
