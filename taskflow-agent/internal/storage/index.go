package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrIndexUnavailable means the vector store could not be reached. Callers fail closed.
var ErrIndexUnavailable = errors.New("vector index unavailable")

// ErrDimensionMismatch reports a vector whose length differs from the index dimension.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Record is the persisted unit: one chunk and its vector.
type Record struct {
	ID       string
	Vector   []float32
	Text     string
	Metadata map[string]any
}

// DocumentID returns the owning document recorded in the metadata, if any.
func (r Record) DocumentID() string {
	s, _ := r.Metadata["document_id"].(string)
	return s
}

// Candidate is a record returned by a similarity query.
type Candidate struct {
	Record
	Score float64
	Rank  int
}

// HNSWParams tunes approximate search for recall.
type HNSWParams struct {
	M              int
	EfConstruction int
	EfSearch       int
}

// DefaultHNSW favours recall over latency.
var DefaultHNSW = HNSWParams{M: 16, EfConstruction: 200, EfSearch: 100}

func (p HNSWParams) withDefaults() HNSWParams {
	if p.M <= 0 {
		p.M = DefaultHNSW.M
	}
	if p.EfConstruction <= 0 {
		p.EfConstruction = DefaultHNSW.EfConstruction
	}
	if p.EfSearch <= 0 {
		p.EfSearch = DefaultHNSW.EfSearch
	}
	return p
}

// VectorIndex stores chunk vectors and answers cosine nearest-neighbour queries.
type VectorIndex interface {
	// Upsert overwrites records sharing an id and returns how many were written.
	Upsert(ctx context.Context, records []Record) (int, error)
	// Query returns at most topN candidates ordered by similarity descending.
	Query(ctx context.Context, vector []float32, topN int) ([]Candidate, error)
	// DeleteDocument removes every record of a document.
	DeleteDocument(ctx context.Context, documentID string) (int, error)
	Ping(ctx context.Context) error
	Close()
}

func unavailable(backend, op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %s %s: %w", ErrIndexUnavailable, backend, op, err)
}

func validateRecords(records []Record) error {
	dim := -1
	for _, r := range records {
		if r.ID == "" {
			return errors.New("record without id")
		}
		if len(r.Vector) == 0 {
			return fmt.Errorf("record %s has an empty vector", r.ID)
		}
		if dim >= 0 && len(r.Vector) != dim {
			return fmt.Errorf("record %s has dimension %d, expected %d", r.ID, len(r.Vector), dim)
		}
		dim = len(r.Vector)
	}
	return nil
}
