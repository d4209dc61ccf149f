package storage

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
)

// MemoryIndex is an exact brute-force cosine index held in process memory.
// All stored vectors share one dimension, set by the first upsert into an empty index.
type MemoryIndex struct {
	mu      sync.RWMutex
	records map[string]Record
	order   []string
	dim     int
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{records: make(map[string]Record)}
}

func (m *MemoryIndex) Upsert(ctx context.Context, records []Record) (int, error) {
	if err := validateRecords(records); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(records) == 0 {
		return 0, nil
	}
	if len(m.records) == 0 {
		m.dim = 0
	}
	if got := len(records[0].Vector); m.dim > 0 && got != m.dim {
		return 0, fmt.Errorf("%w: memory index holds %d dimensions, got %d", ErrDimensionMismatch, m.dim, got)
	}
	m.dim = len(records[0].Vector)
	for _, r := range records {
		if _, ok := m.records[r.ID]; !ok {
			m.order = append(m.order, r.ID)
		}
		r.Vector = append([]float32(nil), r.Vector...)
		r.Metadata = maps.Clone(r.Metadata)
		m.records[r.ID] = r
	}
	return len(records), nil
}

func (m *MemoryIndex) Query(ctx context.Context, vector []float32, topN int) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	if m.dim > 0 && len(m.records) > 0 && len(vector) != m.dim {
		m.mu.RUnlock()
		return nil, fmt.Errorf("%w: memory index holds %d dimensions, query has %d", ErrDimensionMismatch, m.dim, len(vector))
	}
	out := make([]Candidate, 0, len(m.records))
	for _, id := range m.order {
		r := m.records[id]
		out = append(out, Candidate{Record: r, Score: dot(vector, r.Vector)})
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if topN >= 0 && len(out) > topN {
		out = out[:topN]
	}
	for i := range out {
		out[i].Rank = i
	}
	return out, nil
}

func (m *MemoryIndex) DeleteDocument(ctx context.Context, documentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.order[:0]
	n := 0
	for _, id := range m.order {
		if m.records[id].DocumentID() == documentID {
			delete(m.records, id)
			n++
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	return n, nil
}

// Len reports how many records are stored.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *MemoryIndex) Ping(context.Context) error { return nil }
func (m *MemoryIndex) Close()                     {}

func dot(a, b []float32) float64 {
	var s float64
	for i := range min(len(a), len(b)) {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}
