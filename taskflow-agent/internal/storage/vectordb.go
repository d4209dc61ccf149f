package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/metrics"
)

// PGVectorIndex keeps chunk vectors in a Postgres table with an HNSW cosine index.
type PGVectorIndex struct {
	pool      *pgxpool.Pool
	table     string
	dimension int
	hnsw      HNSWParams
}

// NewPGVectorIndex creates the table and HNSW index when missing.
func NewPGVectorIndex(ctx context.Context, pool *pgxpool.Pool, table string, dimension int, hnsw HNSWParams) (*PGVectorIndex, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("pgvector: dimension must be positive, got %d", dimension)
	}
	idx := &PGVectorIndex{
		pool:      pool,
		table:     table,
		dimension: dimension,
		hnsw:      hnsw.withDefaults(),
	}
	if err := idx.migrate(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

func (p *PGVectorIndex) ident(suffix string) string {
	return pgx.Identifier{p.table + suffix}.Sanitize()
}

func (p *PGVectorIndex) migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id          TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			content     TEXT NOT NULL,
			metadata    JSONB NOT NULL DEFAULT '{}',
			embedding   vector(%d) NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, p.ident(""), p.dimension),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding vector_cosine_ops) WITH (m = %d, ef_construction = %d)`,
			p.ident("_embedding_hnsw"), p.ident(""), p.hnsw.M, p.hnsw.EfConstruction),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (document_id)`, p.ident("_document_id"), p.ident("")),
	}
	for _, s := range stmts {
		if _, err := p.pool.Exec(ctx, s); err != nil {
			return classify("migrate", err)
		}
	}
	return nil
}

func (p *PGVectorIndex) Upsert(ctx context.Context, records []Record) (n int, err error) {
	defer func() { metrics.ObserveIndex("pgvector", "upsert", err) }()
	if len(records) == 0 {
		return 0, nil
	}
	if err := validateRecords(records); err != nil {
		return 0, err
	}
	if got := len(records[0].Vector); got != p.dimension {
		return 0, fmt.Errorf("%w: pgvector table holds %d dimensions, got %d", ErrDimensionMismatch, p.dimension, got)
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, document_id, content, metadata, embedding, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (id) DO UPDATE SET
			document_id = EXCLUDED.document_id,
			content     = EXCLUDED.content,
			metadata    = EXCLUDED.metadata,
			embedding   = EXCLUDED.embedding,
			updated_at  = now()`, p.ident(""))

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, classify("upsert", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, r := range records {
		meta := r.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		batch.Queue(query, r.ID, r.DocumentID(), r.Text, meta, pgvector.NewVector(r.Vector))
	}
	br := tx.SendBatch(ctx, batch)
	for range records {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return 0, classify("upsert", err)
		}
	}
	if err := br.Close(); err != nil {
		return 0, classify("upsert", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, classify("upsert", err)
	}
	return len(records), nil
}

func (p *PGVectorIndex) Query(ctx context.Context, vector []float32, topN int) (out []Candidate, err error) {
	defer func() { metrics.ObserveIndex("pgvector", "query", err) }()
	if topN <= 0 {
		return []Candidate{}, nil
	}
	if len(vector) != p.dimension {
		return nil, fmt.Errorf("%w: pgvector table holds %d dimensions, query has %d", ErrDimensionMismatch, p.dimension, len(vector))
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, classify("query", err)
	}
	defer tx.Rollback(ctx)

	// SET LOCAL does not accept bind parameters.
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", p.hnsw.EfSearch)); err != nil {
		return nil, classify("query", err)
	}

	rows, err := tx.Query(ctx, fmt.Sprintf(`SELECT id, content, metadata, 1 - (embedding <=> $1) AS similarity
		FROM %s
		ORDER BY embedding <=> $1
		LIMIT $2`, p.ident("")), pgvector.NewVector(vector), topN)
	if err != nil {
		return nil, classify("query", err)
	}
	defer rows.Close()

	out = []Candidate{}
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.ID, &c.Text, &c.Metadata, &c.Score); err != nil {
			return nil, fmt.Errorf("pgvector: scanning row: %w", err)
		}
		c.Rank = len(out)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("query", err)
	}
	return out, nil
}

func (p *PGVectorIndex) DeleteDocument(ctx context.Context, documentID string) (n int, err error) {
	defer func() { metrics.ObserveIndex("pgvector", "delete", err) }()
	tag, err := p.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE document_id = $1", p.ident("")), documentID)
	if err != nil {
		return 0, classify("delete", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *PGVectorIndex) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return unavailable("pgvector", "ping", err)
	}
	return nil
}

func (p *PGVectorIndex) Close() { p.pool.Close() }

// classify separates server-side SQL errors from lost connections.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("pgvector %s: %s (%s): %w", op, pgErr.Message, pgErr.Code, err)
	}
	return unavailable("pgvector", op, err)
}
