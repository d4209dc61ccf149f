package retrieval

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/ingestion"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/metrics"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/models"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/processing"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/rerank"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/storage"
)

const (
	DefaultTopK = 5
	DefaultTopN = 20
)

var ErrEmptyQuery = errors.New("query must not be empty")

// Embedder is the part of processing.Embedder the pipeline needs.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// Extractor turns raw document bytes into text.
type Extractor func(ctx context.Context, filename string, data []byte) (string, error)

// statusReporter is implemented by rerankers backed by a model lifecycle.
type statusReporter interface {
	Status() models.Status
}

// Document is an ingestion request. Text, when set, skips extraction.
type Document struct {
	ID       string
	Filename string
	Source   string
	Data     []byte
	Text     string
}

type IngestResult struct {
	DocumentID string `json:"document_id"`
	Filename   string `json:"filename"`
	ChunkCount int    `json:"chunks"`
}

type Query struct {
	Text   string
	TopK   int
	TopN   int
	Rerank bool
}

// Result is an ordered retrieval answer. Degraded is set when the result is of lower
// quality than requested, with Warning saying why.
type Result struct {
	Documents []rerank.ScoredDocument `json:"results"`
	Reranked  bool                    `json:"reranked"`
	Degraded  bool                    `json:"degraded"`
	Warning   string                  `json:"warning,omitempty"`
}

// Pipeline wires chunking, embedding, indexing and reranking.
type Pipeline struct {
	chunker  *processing.Chunker
	embedder Embedder
	index    storage.VectorIndex
	reranker rerank.Reranker
	catalog  storage.Catalog
	extract  Extractor
	topK     int
	topN     int
	logger   zerolog.Logger
}

type Option func(*Pipeline)

func WithReranker(r rerank.Reranker) Option {
	return func(p *Pipeline) { p.reranker = r }
}

func WithCatalog(c storage.Catalog) Option {
	return func(p *Pipeline) { p.catalog = c }
}

func WithExtractor(e Extractor) Option {
	return func(p *Pipeline) { p.extract = e }
}

// WithDefaults sets the final result count and the vector candidate pool size.
func WithDefaults(topK, topN int) Option {
	return func(p *Pipeline) {
		if topK > 0 {
			p.topK = topK
		}
		if topN > 0 {
			p.topN = topN
		}
	}
}

func New(chunker *processing.Chunker, embedder Embedder, index storage.VectorIndex, opts ...Option) *Pipeline {
	p := &Pipeline{
		chunker:  chunker,
		embedder: embedder,
		index:    index,
		extract:  ingestion.Extract,
		topK:     DefaultTopK,
		topN:     DefaultTopN,
		logger:   log.Logger.With().Str("component", "retrieval").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ingest extracts, chunks, embeds and upserts one document. Nothing is written unless
// every chunk was embedded.
func (p *Pipeline) Ingest(ctx context.Context, doc Document) (IngestResult, error) {
	start := time.Now()
	docID := doc.ID
	if docID == "" {
		docID = processing.DocumentID(doc.Filename)
	}
	source := doc.Source
	if source == "" {
		source = processing.SourceUpload
	}
	res := IngestResult{DocumentID: docID, Filename: doc.Filename}

	text := doc.Text
	if text == "" && len(doc.Data) > 0 {
		var err error
		if text, err = p.extract(ctx, doc.Filename, doc.Data); err != nil {
			return res, err
		}
	}

	chunks := p.chunker.Split(text, processing.SourceMetadata{
		DocumentID: docID,
		Filename:   doc.Filename,
		Source:     source,
		ImportedAt: start.UTC(),
	})

	records := make([]storage.Record, len(chunks))
	if len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
		}
		vecs, err := p.embedder.Embed(ctx, texts)
		if err != nil {
			return res, fmt.Errorf("embedding %s: %w", doc.Filename, err)
		}
		if len(vecs) != len(chunks) {
			return res, fmt.Errorf("%w: %d vectors for %d chunks", models.ErrModelUnavailable, len(vecs), len(chunks))
		}
		for i, c := range chunks {
			records[i] = storage.Record{ID: c.ID(), Vector: vecs[i], Text: c.Text, Metadata: c.Metadata()}
		}
	}

	if err := p.dropStale(ctx, docID, len(chunks)); err != nil {
		return res, err
	}
	if len(records) > 0 {
		if _, err := p.index.Upsert(ctx, records); err != nil {
			return res, fmt.Errorf("indexing %s: %w", doc.Filename, err)
		}
	}
	res.ChunkCount = len(records)
	metrics.ChunksIngestedTotal.Add(float64(len(records)))

	if p.catalog != nil {
		ids := make([]string, len(records))
		for i, r := range records {
			ids[i] = r.ID
		}
		if err := p.catalog.Put(ctx, storage.Document{
			ID:         docID,
			Filename:   doc.Filename,
			Source:     source,
			IngestedAt: start.UTC(),
			ChunkCount: len(records),
			RecordIDs:  ids,
		}); err != nil {
			p.logger.Warn().Err(err).Str("document_id", docID).Msg("catalog update failed")
		}
	}

	p.logger.Info().
		Str("document_id", docID).
		Str("filename", doc.Filename).
		Int("chunks", len(records)).
		Dur("elapsed", time.Since(start)).
		Msg("document ingested")
	return res, nil
}

// dropStale removes a previous version's records when it had more chunks than the new one,
// since upserting the new ids would leave the tail behind.
func (p *Pipeline) dropStale(ctx context.Context, docID string, newCount int) error {
	if p.catalog == nil {
		return nil
	}
	prev, err := p.catalog.Get(ctx, docID)
	if errors.Is(err, storage.ErrDocumentNotFound) {
		return nil
	}
	if err != nil {
		p.logger.Warn().Err(err).Str("document_id", docID).Msg("catalog lookup failed")
		return nil
	}
	if prev.ChunkCount <= newCount {
		return nil
	}
	if _, err := p.index.DeleteDocument(ctx, docID); err != nil {
		return fmt.Errorf("removing stale records of %s: %w", docID, err)
	}
	return nil
}

// Retrieve embeds the query, pulls TopN candidates by similarity and narrows them to
// TopK, by reranking when requested. An empty index yields an empty result.
func (p *Pipeline) Retrieve(ctx context.Context, q Query) (Result, error) {
	if q.Text == "" {
		return Result{}, ErrEmptyQuery
	}
	topK := q.TopK
	if topK <= 0 {
		topK = p.topK
	}
	topN := q.TopN
	if topN <= 0 {
		topN = p.topN
	}
	topN = max(topN, topK)
	rerankWanted := q.Rerank && p.reranker != nil
	if rerankWanted && topN > rerank.MaxDocuments {
		return Result{}, fmt.Errorf("%w: top_k %d and candidate pool %d must not exceed %d when reranking",
			rerank.ErrTooManyDocuments, topK, topN, rerank.MaxDocuments)
	}

	vec, err := p.embedder.EmbedOne(ctx, q.Text)
	if err != nil {
		return Result{}, fmt.Errorf("embedding query: %w", err)
	}
	candidates, err := p.index.Query(ctx, vec, topN)
	if err != nil {
		return Result{}, err
	}
	if len(candidates) == 0 {
		return Result{Documents: []rerank.ScoredDocument{}}, nil
	}

	if rerankWanted {
		docs := make([]rerank.Document, len(candidates))
		for i, c := range candidates {
			docs[i] = rerank.Document{Content: c.Text, Metadata: candidateMetadata(c)}
		}
		ranked, err := p.reranker.Rerank(ctx, q.Text, docs, topK)
		if err == nil {
			res := Result{Documents: ranked, Reranked: true}
			if sr, ok := p.reranker.(statusReporter); ok && sr.Status().State == models.Degraded {
				res.Degraded = true
				res.Warning = "reranker degraded to fallback model " + sr.Status().Model
			}
			return res, nil
		}
		if !degradable(err) {
			return Result{}, fmt.Errorf("reranking: %w", err)
		}
		p.logger.Warn().Err(err).Msg("rerank failed, returning vector order")
		res := vectorOrder(candidates, topK)
		res.Degraded = true
		res.Warning = "reranking unavailable, results are in vector similarity order: " + err.Error()
		return res, nil
	}
	return vectorOrder(candidates, topK), nil
}

// degradable reports whether a rerank failure is an outage that vector order can stand
// in for. Rejected requests and cancellation are returned to the caller.
func degradable(err error) bool {
	return errors.Is(err, models.ErrModelUnavailable) ||
		errors.Is(err, models.ErrTimeout) ||
		errors.Is(err, models.ErrInitializing)
}

func vectorOrder(candidates []storage.Candidate, topK int) Result {
	n := min(topK, len(candidates))
	out := make([]rerank.ScoredDocument, n)
	for i, c := range candidates[:n] {
		out[i] = rerank.ScoredDocument{Content: c.Text, Metadata: candidateMetadata(c), Score: c.Score, Index: c.Rank}
	}
	return Result{Documents: out}
}

func candidateMetadata(c storage.Candidate) map[string]any {
	m := maps.Clone(c.Metadata)
	if m == nil {
		m = make(map[string]any)
	}
	m["record_id"] = c.ID
	m["vector_score"] = c.Score
	return m
}

// DeleteDocument removes a document's records and catalog row. It returns the number
// of records removed.
func (p *Pipeline) DeleteDocument(ctx context.Context, docID string) (int, error) {
	n, err := p.index.DeleteDocument(ctx, docID)
	if err != nil {
		return 0, err
	}
	if p.catalog != nil {
		err := p.catalog.Delete(ctx, docID)
		switch {
		case errors.Is(err, storage.ErrDocumentNotFound) && n > 0:
		case err != nil:
			return n, err
		}
		return n, nil
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: %s", storage.ErrDocumentNotFound, docID)
	}
	return n, nil
}

// Documents lists catalogued documents; without a catalog the list is empty.
func (p *Pipeline) Documents(ctx context.Context) ([]storage.Document, error) {
	if p.catalog == nil {
		return []storage.Document{}, nil
	}
	return p.catalog.List(ctx)
}

// Ping checks the vector index.
func (p *Pipeline) Ping(ctx context.Context) error {
	return p.index.Ping(ctx)
}
