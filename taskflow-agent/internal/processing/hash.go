package processing

import (
	"context"
	"hash/fnv"
	"strings"

	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/models"
)

const DefaultHashDimension = 384

// HashBackend is a deterministic bag-of-words embedder using the hashing trick.
// It needs no model server and is used offline and in tests.
type HashBackend struct {
	dim int
}

func NewHashBackend(dim int) *HashBackend {
	if dim <= 0 {
		dim = DefaultHashDimension
	}
	return &HashBackend{dim: dim}
}

func (b *HashBackend) Model() string { return "hash" }

func (b *HashBackend) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = b.vector(t)
	}
	return out, nil
}

func (b *HashBackend) vector(text string) []float32 {
	v := make([]float32, b.dim)
	for _, tok := range tokenize(text) {
		word := strings.ToLower(text[tok.start:tok.end])
		h := fnv.New64a()
		h.Write([]byte(word))
		sum := h.Sum64()
		idx := int(sum % uint64(b.dim))
		if sum&(1<<63) != 0 {
			v[idx]--
		} else {
			v[idx]++
		}
	}
	nonzero := false
	for _, x := range v {
		if x != 0 {
			nonzero = true
			break
		}
	}
	if !nonzero {
		v[0] = 1
	}
	return v
}

// HashLoader ignores the model name; the hash embedder is always available.
func HashLoader(dim int) models.Loader[EmbeddingBackend] {
	return func(context.Context, string) (EmbeddingBackend, error) {
		return NewHashBackend(dim), nil
	}
}
