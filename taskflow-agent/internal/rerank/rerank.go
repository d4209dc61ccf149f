package rerank

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/metrics"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/models"
)

const (
	MaxDocuments   = 100
	MaxTextLength  = 2000
	DefaultTopK    = 8
	DefaultTimeout = 30 * time.Second
)

var (
	ErrNoDocuments      = errors.New("no documents provided")
	ErrTooManyDocuments = fmt.Errorf("too many documents (max %d)", MaxDocuments)
	ErrRejected         = errors.New("rerank request rejected")
)

// Document is a rerank candidate.
type Document struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

// ScoredDocument is a candidate with its relevance score. Index is its position in the input.
type ScoredDocument struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
	Score    float64        `json:"score"`
	Index    int            `json:"index"`
}

// Reranker orders candidates by relevance to a query.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []Document, topK int) ([]ScoredDocument, error)
}

// Scorer produces one relevance score per text. Scales differ between implementations.
type Scorer interface {
	Score(ctx context.Context, query string, texts []string) ([]float64, error)
	Model() string
}

// Service reranks in process with the scorer held by its lifecycle.
type Service struct {
	models  *models.Lifecycle[Scorer]
	timeout time.Duration
	logger  zerolog.Logger
}

type Option func(*Service)

func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func NewService(lc *models.Lifecycle[Scorer], opts ...Option) *Service {
	s := &Service{
		models:  lc,
		timeout: DefaultTimeout,
		logger:  log.Logger.With().Str("component", "reranker").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Status() models.Status { return s.models.Status() }

// Validate rejects batches the service will not score. Oversized batches are never trimmed.
// Any query, including an empty one, is scored.
func Validate(n int) error {
	switch {
	case n == 0:
		return ErrNoDocuments
	case n > MaxDocuments:
		return fmt.Errorf("%w: got %d", ErrTooManyDocuments, n)
	}
	return nil
}

// ClampTopK maps topK onto [1, n]; non-positive values select DefaultTopK.
func ClampTopK(topK, n int) int {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return min(topK, n)
}

// Truncate cuts text to MaxTextLength characters.
func Truncate(text string) string {
	if len(text) <= MaxTextLength {
		return text
	}
	r := []rune(text)
	if len(r) <= MaxTextLength {
		return text
	}
	return string(r[:MaxTextLength])
}

func (s *Service) Rerank(ctx context.Context, query string, docs []Document, topK int) ([]ScoredDocument, error) {
	if err := Validate(len(docs)); err != nil {
		return nil, err
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	scores, err := s.score(ctx, query, texts)
	if err != nil {
		return nil, err
	}

	out := make([]ScoredDocument, len(docs))
	for i, d := range docs {
		out[i] = ScoredDocument{Content: d.Content, Metadata: d.Metadata, Score: scores[i], Index: i}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })

	k := ClampTopK(topK, len(out))
	s.logger.Debug().Int("documents", len(docs)).Int("top_k", k).Msg("reranked documents")
	return out[:k], nil
}

// Score returns raw scores for each text, or sigmoid probabilities when raw is false.
func (s *Service) Score(ctx context.Context, query string, texts []string, raw bool) ([]float64, error) {
	if err := Validate(len(texts)); err != nil {
		return nil, err
	}
	scores, err := s.score(ctx, query, texts)
	if err != nil {
		return nil, err
	}
	if !raw {
		for i, v := range scores {
			scores[i] = Sigmoid(v)
		}
	}
	return scores, nil
}

func (s *Service) score(ctx context.Context, query string, texts []string) ([]float64, error) {
	scorer, err := s.models.Acquire()
	if err != nil {
		return nil, err
	}
	truncated := make([]string, len(texts))
	for i, t := range texts {
		truncated[i] = Truncate(t)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	scores, err := scorer.Score(ctx, query, truncated)
	metrics.ObserveModelCall("rerank", scorer.Model(), start, err)
	if err != nil {
		return nil, fmt.Errorf("scoring %d texts with %s: %w", len(texts), scorer.Model(), models.Classify(err))
	}
	if len(scores) != len(texts) {
		return nil, fmt.Errorf("%w: %s returned %d scores for %d texts",
			models.ErrModelUnavailable, scorer.Model(), len(scores), len(texts))
	}
	return scores, nil
}

func Sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
