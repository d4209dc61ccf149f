package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/ingestion"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/models"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/processing"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/rerank"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/storage"
)

func hashEmbedder() *processing.Embedder {
	b := processing.NewHashBackend(processing.DefaultHashDimension)
	return processing.NewEmbedder(models.ReadyLifecycle[processing.EmbeddingBackend]("embedding", b.Model(), b))
}

func words(n int, prefix string) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return strings.Join(parts, " ")
}

type fixture struct {
	pipeline *Pipeline
	index    *storage.MemoryIndex
	catalog  *storage.MemoryCatalog
}

func newFixture(t *testing.T, embedder Embedder, opts ...Option) fixture {
	t.Helper()
	chunker, err := processing.NewChunker(1000, 150)
	require.NoError(t, err)
	f := fixture{index: storage.NewMemoryIndex(), catalog: storage.NewMemoryCatalog()}
	opts = append([]Option{WithCatalog(f.catalog)}, opts...)
	f.pipeline = New(chunker, embedder, f.index, opts...)
	return f
}

func TestIngestThreeThousandTokenDocument(t *testing.T) {
	f := newFixture(t, hashEmbedder())
	res, err := f.pipeline.Ingest(context.Background(), Document{Filename: "big.txt", Text: words(3000, "w")})
	require.NoError(t, err)
	assert.Equal(t, 4, res.ChunkCount)
	assert.Equal(t, processing.DocumentID("big.txt"), res.DocumentID)
	assert.Equal(t, 4, f.index.Len())

	doc, err := f.catalog.Get(context.Background(), res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, []string{
		processing.RecordID(res.DocumentID, 0),
		processing.RecordID(res.DocumentID, 1),
		processing.RecordID(res.DocumentID, 2),
		processing.RecordID(res.DocumentID, 3),
	}, doc.RecordIDs)
}

func TestIngestIsIdempotent(t *testing.T) {
	f := newFixture(t, hashEmbedder())
	doc := Document{Filename: "notes.md", Data: []byte(words(2500, "n"))}

	first, err := f.pipeline.Ingest(context.Background(), doc)
	require.NoError(t, err)
	n := f.index.Len()

	second, err := f.pipeline.Ingest(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, first.ChunkCount, second.ChunkCount)
	assert.Equal(t, n, f.index.Len())
}

func TestReingestShorterDocumentDropsStaleChunks(t *testing.T) {
	f := newFixture(t, hashEmbedder())
	ctx := context.Background()
	_, err := f.pipeline.Ingest(ctx, Document{ID: "doc", Filename: "a.txt", Text: words(3000, "a")})
	require.NoError(t, err)
	require.Equal(t, 4, f.index.Len())

	res, err := f.pipeline.Ingest(ctx, Document{ID: "doc", Filename: "a.txt", Text: words(10, "a")})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ChunkCount)
	assert.Equal(t, 1, f.index.Len())
}

func TestIngestEmptyDocumentIsValid(t *testing.T) {
	f := newFixture(t, hashEmbedder())
	res, err := f.pipeline.Ingest(context.Background(), Document{Filename: "empty.txt", Data: []byte("   \n\t ")})
	require.NoError(t, err)
	assert.Zero(t, res.ChunkCount)
	assert.Zero(t, f.index.Len())
}

func TestIngestWithUnavailableEmbedderWritesNothing(t *testing.T) {
	unloaded := models.NewLifecycle[processing.EmbeddingBackend]("embedding", "bge-m3", "", nil)
	f := newFixture(t, processing.NewEmbedder(unloaded))

	_, err := f.pipeline.Ingest(context.Background(), Document{Filename: "doc.txt", Text: words(200, "x")})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrModelUnavailable)
	assert.Zero(t, f.index.Len())

	docs, err := f.pipeline.Documents(context.Background())
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestIngestParseErrorWritesNothing(t *testing.T) {
	f := newFixture(t, hashEmbedder())
	_, err := f.pipeline.Ingest(context.Background(), Document{Filename: "x.pdf", Data: []byte("not a pdf")})
	var perr *ingestion.DocumentParseError
	assert.True(t, errors.As(err, &perr))
	assert.Zero(t, f.index.Len())
}

func TestRetrieveFromEmptyIndex(t *testing.T) {
	f := newFixture(t, hashEmbedder())
	res, err := f.pipeline.Retrieve(context.Background(), Query{Text: "anything", Rerank: true})
	require.NoError(t, err)
	assert.NotNil(t, res.Documents)
	assert.Empty(t, res.Documents)
	assert.False(t, res.Degraded)
}

func TestRetrieveRejectsEmptyQuery(t *testing.T) {
	f := newFixture(t, hashEmbedder())
	_, err := f.pipeline.Retrieve(context.Background(), Query{})
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func ingestSmallDocs(t *testing.T, f fixture) {
	t.Helper()
	for i, text := range []string{
		"postgres stores vectors with the pgvector extension",
		"bananas and apples are fruit",
		"qdrant is a vector database written in rust",
	} {
		_, err := f.pipeline.Ingest(context.Background(), Document{Filename: fmt.Sprintf("d%d.txt", i), Text: text})
		require.NoError(t, err)
	}
}

func TestRetrieveVectorOrder(t *testing.T) {
	f := newFixture(t, hashEmbedder())
	ingestSmallDocs(t, f)

	res, err := f.pipeline.Retrieve(context.Background(), Query{Text: "bananas and apples", TopK: 2})
	require.NoError(t, err)
	require.Len(t, res.Documents, 2)
	assert.False(t, res.Reranked)
	assert.Contains(t, res.Documents[0].Content, "bananas")
	assert.GreaterOrEqual(t, res.Documents[0].Score, res.Documents[1].Score)
	assert.NotEmpty(t, res.Documents[0].Metadata["record_id"])
}

// reverseReranker ranks the last candidate first.
type reverseReranker struct {
	calls int
	topK  int
}

func (r *reverseReranker) Rerank(_ context.Context, _ string, docs []rerank.Document, topK int) ([]rerank.ScoredDocument, error) {
	r.calls++
	r.topK = topK
	out := make([]rerank.ScoredDocument, 0, len(docs))
	for i := len(docs) - 1; i >= 0; i-- {
		out = append(out, rerank.ScoredDocument{Content: docs[i].Content, Metadata: docs[i].Metadata, Score: float64(i), Index: i})
	}
	return out[:rerank.ClampTopK(topK, len(out))], nil
}

type failingReranker struct{ err error }

func (f failingReranker) Rerank(context.Context, string, []rerank.Document, int) ([]rerank.ScoredDocument, error) {
	return nil, f.err
}

func TestRetrieveWithRerank(t *testing.T) {
	rr := &reverseReranker{}
	f := newFixture(t, hashEmbedder(), WithReranker(rr))
	ingestSmallDocs(t, f)

	res, err := f.pipeline.Retrieve(context.Background(), Query{Text: "vector database", TopK: 1, Rerank: true})
	require.NoError(t, err)
	assert.True(t, res.Reranked)
	assert.False(t, res.Degraded)
	assert.Len(t, res.Documents, 1)
	assert.Equal(t, 1, rr.calls)
	assert.Equal(t, 1, rr.topK)

	_, err = f.pipeline.Retrieve(context.Background(), Query{Text: "vector database", Rerank: false})
	require.NoError(t, err)
	assert.Equal(t, 1, rr.calls)
}

func TestRetrieveRerankFailureDegradesToVectorOrder(t *testing.T) {
	f := newFixture(t, hashEmbedder(), WithReranker(failingReranker{err: models.ErrModelUnavailable}))
	ingestSmallDocs(t, f)

	res, err := f.pipeline.Retrieve(context.Background(), Query{Text: "bananas", TopK: 2, Rerank: true})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.False(t, res.Reranked)
	assert.NotEmpty(t, res.Warning)
	require.Len(t, res.Documents, 2)
	assert.Contains(t, res.Documents[0].Content, "bananas")
}

func TestRetrieveReportsFallbackReranker(t *testing.T) {
	lc := models.NewLifecycle[rerank.Scorer]("reranker", "big", "small", func(ctx context.Context, model string) (rerank.Scorer, error) {
		if model == "big" {
			return nil, errors.New("missing weights")
		}
		return rerank.NewEmbeddingScorer(hashEmbedder()), nil
	})
	require.NoError(t, lc.Load(context.Background()))

	f := newFixture(t, hashEmbedder(), WithReranker(rerank.NewService(lc)))
	ingestSmallDocs(t, f)

	res, err := f.pipeline.Retrieve(context.Background(), Query{Text: "bananas", Rerank: true})
	require.NoError(t, err)
	assert.True(t, res.Reranked)
	assert.True(t, res.Degraded)
	assert.Contains(t, res.Warning, "small")
}

type downIndex struct{ *storage.MemoryIndex }

func (downIndex) Query(context.Context, []float32, int) ([]storage.Candidate, error) {
	return nil, fmt.Errorf("%w: connection refused", storage.ErrIndexUnavailable)
}

func TestRetrieveIndexUnavailableFailsClosed(t *testing.T) {
	chunker, err := processing.NewChunker(100, 10)
	require.NoError(t, err)
	p := New(chunker, hashEmbedder(), downIndex{storage.NewMemoryIndex()})
	_, err = p.Retrieve(context.Background(), Query{Text: "q"})
	assert.ErrorIs(t, err, storage.ErrIndexUnavailable)
}

func TestDeleteDocument(t *testing.T) {
	f := newFixture(t, hashEmbedder())
	ctx := context.Background()
	res, err := f.pipeline.Ingest(ctx, Document{Filename: "a.txt", Text: words(1500, "a")})
	require.NoError(t, err)

	n, err := f.pipeline.DeleteDocument(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, res.ChunkCount, n)
	assert.Zero(t, f.index.Len())

	_, err = f.pipeline.DeleteDocument(ctx, res.DocumentID)
	assert.ErrorIs(t, err, storage.ErrDocumentNotFound)
}

func TestIngestWithOtherDimensionLeavesRankingIntact(t *testing.T) {
	f := newFixture(t, hashEmbedder())
	ingestSmallDocs(t, f)
	n := f.index.Len()

	small := processing.NewHashBackend(16)
	other := New(f.pipeline.chunker, processing.NewEmbedder(models.ReadyLifecycle[processing.EmbeddingBackend]("embedding", "small", small)), f.index)
	_, err := other.Ingest(context.Background(), Document{Filename: "new.txt", Text: "bananas are yellow"})
	assert.ErrorIs(t, err, storage.ErrDimensionMismatch)
	assert.Equal(t, n, f.index.Len())

	res, err := f.pipeline.Retrieve(context.Background(), Query{Text: "bananas and apples", TopK: 1})
	require.NoError(t, err)
	require.Len(t, res.Documents, 1)
	assert.Contains(t, res.Documents[0].Content, "bananas")
	assert.Greater(t, res.Documents[0].Score, 0.0)
}

func TestRetrieveRejectsTopKAboveRerankLimit(t *testing.T) {
	rr := &reverseReranker{}
	f := newFixture(t, hashEmbedder(), WithReranker(rr))
	ingestSmallDocs(t, f)

	_, err := f.pipeline.Retrieve(context.Background(), Query{Text: "vector", TopK: rerank.MaxDocuments + 50, Rerank: true})
	assert.ErrorIs(t, err, rerank.ErrTooManyDocuments)
	assert.Zero(t, rr.calls)

	// Without reranking the limit does not apply.
	res, err := f.pipeline.Retrieve(context.Background(), Query{Text: "vector", TopK: rerank.MaxDocuments + 50})
	require.NoError(t, err)
	assert.Len(t, res.Documents, 3)
}

func TestRetrieveRejectedRerankIsNotDegraded(t *testing.T) {
	f := newFixture(t, hashEmbedder(), WithReranker(failingReranker{err: fmt.Errorf("%w (400): bad batch", rerank.ErrRejected)}))
	ingestSmallDocs(t, f)

	_, err := f.pipeline.Retrieve(context.Background(), Query{Text: "bananas", Rerank: true})
	assert.ErrorIs(t, err, rerank.ErrRejected)
}

func TestRetrieveRerankTimeoutDegrades(t *testing.T) {
	f := newFixture(t, hashEmbedder(), WithReranker(failingReranker{err: models.Classify(context.DeadlineExceeded)}))
	ingestSmallDocs(t, f)

	res, err := f.pipeline.Retrieve(context.Background(), Query{Text: "bananas", Rerank: true})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
}
