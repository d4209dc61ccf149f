package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(id, doc string, v ...float32) Record {
	return Record{ID: id, Vector: v, Text: "text " + id, Metadata: map[string]any{"document_id": doc}}
}

func TestMemoryIndexEmptyQuery(t *testing.T) {
	idx := NewMemoryIndex()
	got, err := idx.Query(context.Background(), []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestMemoryIndexOrdersBySimilarity(t *testing.T) {
	idx := NewMemoryIndex()
	n, err := idx.Upsert(context.Background(), []Record{
		rec("a:0", "a", 0, 1),
		rec("a:1", "a", 1, 0),
		rec("b:0", "b", 0.6, 0.8),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := idx.Query(context.Background(), []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a:1", got[0].ID)
	assert.Equal(t, "b:0", got[1].ID)
	assert.Equal(t, 0, got[0].Rank)
	assert.Equal(t, 1, got[1].Rank)
	assert.InDelta(t, 1.0, got[0].Score, 1e-6)
	assert.GreaterOrEqual(t, got[0].Score, got[1].Score)
}

func TestMemoryIndexUpsertOverwrites(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()
	_, err := idx.Upsert(ctx, []Record{rec("a:0", "a", 1, 0)})
	require.NoError(t, err)

	updated := rec("a:0", "a", 0, 1)
	updated.Text = "new text"
	_, err = idx.Upsert(ctx, []Record{updated})
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Len())

	got, err := idx.Query(ctx, []float32{0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new text", got[0].Text)
}

func TestMemoryIndexDeleteDocument(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()
	_, err := idx.Upsert(ctx, []Record{rec("a:0", "a", 1, 0), rec("a:1", "a", 0, 1), rec("b:0", "b", 1, 1)})
	require.NoError(t, err)

	n, err := idx.DeleteDocument(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, idx.Len())

	n, err = idx.DeleteDocument(ctx, "missing")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestValidateRecords(t *testing.T) {
	assert.Error(t, validateRecords([]Record{{Vector: []float32{1}}}))
	assert.Error(t, validateRecords([]Record{{ID: "x"}}))
	assert.Error(t, validateRecords([]Record{rec("a", "d", 1, 0), rec("b", "d", 1)}))
	assert.NoError(t, validateRecords([]Record{rec("a", "d", 1, 0), rec("b", "d", 0, 1)}))
}

func TestUnavailableWrapsSentinel(t *testing.T) {
	err := unavailable("pgvector", "query", errors.New("connection refused"))
	assert.ErrorIs(t, err, ErrIndexUnavailable)
	assert.ErrorIs(t, unavailable("qdrant", "query", context.Canceled), context.Canceled)
	assert.NotErrorIs(t, unavailable("qdrant", "query", context.Canceled), ErrIndexUnavailable)
}

func TestHNSWDefaults(t *testing.T) {
	assert.Equal(t, DefaultHNSW, HNSWParams{}.withDefaults())
	assert.Equal(t, HNSWParams{M: 32, EfConstruction: 200, EfSearch: 40}, HNSWParams{M: 32, EfSearch: 40}.withDefaults())
}

func TestMemoryCatalog(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCatalog()

	_, err := c.Get(ctx, "doc")
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	require.NoError(t, c.Put(ctx, Document{ID: "doc", Filename: "a.pdf", ChunkCount: 2, RecordIDs: []string{"doc:0", "doc:1"}}))
	got, err := c.Get(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, 2, got.ChunkCount)
	assert.False(t, got.IngestedAt.IsZero())

	docs, err := c.List(ctx)
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	require.NoError(t, c.Delete(ctx, "doc"))
	assert.ErrorIs(t, c.Delete(ctx, "doc"), ErrDocumentNotFound)
}

func TestMemoryIndexRejectsOtherDimension(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()
	_, err := idx.Upsert(ctx, []Record{rec("a:0", "a", 1, 0, 0)})
	require.NoError(t, err)

	_, err = idx.Upsert(ctx, []Record{rec("b:0", "b", 1, 0)})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Equal(t, 1, idx.Len())

	_, err = idx.Query(ctx, []float32{1, 0}, 5)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	// An emptied index accepts a new dimension.
	_, err = idx.DeleteDocument(ctx, "a")
	require.NoError(t, err)
	_, err = idx.Upsert(ctx, []Record{rec("b:0", "b", 1, 0)})
	assert.NoError(t, err)
}
