package processing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/metrics"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/models"
)

const (
	DefaultBatchSize      = 50
	DefaultMaxConcurrency = 5
	DefaultEmbedTimeout   = 60 * time.Second
)

// EmbeddingBackend is one loaded embedding model.
type EmbeddingBackend interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// Embedder maps text to unit-length vectors through the active backend.
type Embedder struct {
	models         *models.Lifecycle[EmbeddingBackend]
	batchSize      int
	maxConcurrency int
	timeout        time.Duration
	cache          *EmbeddingCache
}

type EmbedderOption func(*Embedder)

func WithBatchSize(n int) EmbedderOption {
	return func(e *Embedder) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

func WithMaxConcurrency(n int) EmbedderOption {
	return func(e *Embedder) {
		if n > 0 {
			e.maxConcurrency = n
		}
	}
}

// WithTimeout bounds each backend call.
func WithTimeout(d time.Duration) EmbedderOption {
	return func(e *Embedder) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func WithCache(c *EmbeddingCache) EmbedderOption {
	return func(e *Embedder) { e.cache = c }
}

func NewEmbedder(lc *models.Lifecycle[EmbeddingBackend], opts ...EmbedderOption) *Embedder {
	e := &Embedder{
		models:         lc,
		batchSize:      DefaultBatchSize,
		maxConcurrency: DefaultMaxConcurrency,
		timeout:        DefaultEmbedTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Embedder) Status() models.Status { return e.models.Status() }

// EmbedOne embeds a single query.
func (e *Embedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	out, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// Embed returns one normalized vector per text, out[i] for texts[i]. On any failure
// it returns no vectors at all.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	backend, err := e.models.Acquire()
	if err != nil {
		return nil, err
	}

	out := make([][]float32, len(texts))
	missing := make([]int, 0, len(texts))
	if e.cache != nil {
		cached, err := e.cache.GetMany(ctx, backend.Model(), texts)
		if err != nil {
			log.Warn().Err(err).Msg("embedding cache lookup failed")
		}
		for i := range texts {
			if cached != nil && cached[i] != nil {
				out[i] = cached[i]
				continue
			}
			missing = append(missing, i)
		}
		metrics.EmbeddingCacheTotal.WithLabelValues("hit").Add(float64(len(texts) - len(missing)))
		metrics.EmbeddingCacheTotal.WithLabelValues("miss").Add(float64(len(missing)))
	} else {
		for i := range texts {
			missing = append(missing, i)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxConcurrency)
	for start := 0; start < len(missing); start += e.batchSize {
		idx := missing[start:min(start+e.batchSize, len(missing))]
		g.Go(func() error {
			batch := make([]string, len(idx))
			for j, i := range idx {
				batch[j] = texts[i]
			}
			vecs, err := e.callBackend(gctx, backend, batch)
			if err != nil {
				return err
			}
			for j, i := range idx {
				out[i] = vecs[j]
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if e.cache != nil {
		fresh := make([]string, len(missing))
		vecs := make([][]float32, len(missing))
		for j, i := range missing {
			fresh[j] = texts[i]
			vecs[j] = out[i]
		}
		if err := e.cache.SetMany(ctx, backend.Model(), fresh, vecs); err != nil {
			log.Warn().Err(err).Msg("embedding cache store failed")
		}
	}
	return out, nil
}

func (e *Embedder) callBackend(ctx context.Context, backend EmbeddingBackend, batch []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	vecs, err := backend.Embed(ctx, batch)
	metrics.ObserveModelCall("embedding", backend.Model(), start, err)
	if err != nil {
		return nil, fmt.Errorf("embedding %d texts with %s: %w", len(batch), backend.Model(), models.Classify(err))
	}
	if len(vecs) != len(batch) {
		return nil, fmt.Errorf("%w: %s returned %d vectors for %d texts",
			models.ErrModelUnavailable, backend.Model(), len(vecs), len(batch))
	}
	for i, v := range vecs {
		n, err := Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: vector %d: %w", models.ErrModelUnavailable, backend.Model(), i, err)
		}
		vecs[i] = n
	}
	return vecs, nil
}

var errZeroVector = errors.New("zero-length or zero-norm vector")

// ErrDimensionMismatch is returned by loaders when a model's vectors do not fit the index.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Normalize returns v scaled to unit L2 norm.
func Normalize(v []float32) ([]float32, error) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if len(v) == 0 || sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return nil, errZeroVector
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out, nil
}

// Cosine is the dot product of two normalized vectors.
func Cosine(a, b []float32) float64 {
	var dot float64
	for i := range min(len(a), len(b)) {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}
