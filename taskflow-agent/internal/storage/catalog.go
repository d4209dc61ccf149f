package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lib/pq"
)

// ErrDocumentNotFound is returned when the catalog has no row for an id.
var ErrDocumentNotFound = errors.New("document not found")

// Document is the catalog row written once per ingestion.
type Document struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	Source     string    `json:"source"`
	IngestedAt time.Time `json:"ingested_at"`
	ChunkCount int       `json:"chunk_count"`
	RecordIDs  []string  `json:"record_ids"`
}

// Catalog tracks which records belong to which document.
type Catalog interface {
	Put(ctx context.Context, doc Document) error
	Get(ctx context.Context, id string) (Document, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Document, error)
}

// PostgresCatalog keeps the documents table through database/sql.
type PostgresCatalog struct {
	db *sql.DB
}

// OpenCatalog connects with the postgres driver and creates the documents table.
func OpenCatalog(ctx context.Context, url string) (*PostgresCatalog, error) {
	if url == "" {
		url = DefaultDatabaseURL
	}
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("opening catalog database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, unavailable("catalog", "ping", err)
	}
	c := &PostgresCatalog{db: db}
	if err := c.createTables(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *PostgresCatalog) createTables(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS documents (
		id          TEXT PRIMARY KEY,
		filename    TEXT NOT NULL,
		source      VARCHAR(20) NOT NULL DEFAULT 'upload',
		chunk_count INTEGER NOT NULL DEFAULT 0,
		record_ids  TEXT[] NOT NULL DEFAULT '{}',
		ingested_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS documents_filename_idx ON documents (filename);
	`
	if _, err := c.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("creating documents table: %w", err)
	}
	return nil
}

func (c *PostgresCatalog) Put(ctx context.Context, doc Document) error {
	if doc.IngestedAt.IsZero() {
		doc.IngestedAt = time.Now().UTC()
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO documents (id, filename, source, chunk_count, record_ids, ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			filename    = EXCLUDED.filename,
			source      = EXCLUDED.source,
			chunk_count = EXCLUDED.chunk_count,
			record_ids  = EXCLUDED.record_ids,
			ingested_at = EXCLUDED.ingested_at`,
		doc.ID, doc.Filename, doc.Source, doc.ChunkCount, pq.Array(doc.RecordIDs), doc.IngestedAt)
	if err != nil {
		return catalogError("put", err)
	}
	return nil
}

func (c *PostgresCatalog) Get(ctx context.Context, id string) (Document, error) {
	var doc Document
	err := c.db.QueryRowContext(ctx, `
		SELECT id, filename, source, chunk_count, record_ids, ingested_at
		FROM documents WHERE id = $1`, id).
		Scan(&doc.ID, &doc.Filename, &doc.Source, &doc.ChunkCount, pq.Array(&doc.RecordIDs), &doc.IngestedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	if err != nil {
		return Document{}, catalogError("get", err)
	}
	return doc, nil
}

func (c *PostgresCatalog) Delete(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, "DELETE FROM documents WHERE id = $1", id)
	if err != nil {
		return catalogError("delete", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	return nil
}

func (c *PostgresCatalog) List(ctx context.Context) ([]Document, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, filename, source, chunk_count, record_ids, ingested_at
		FROM documents ORDER BY ingested_at DESC`)
	if err != nil {
		return nil, catalogError("list", err)
	}
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.ID, &doc.Filename, &doc.Source, &doc.ChunkCount, pq.Array(&doc.RecordIDs), &doc.IngestedAt); err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (c *PostgresCatalog) Close() error { return c.db.Close() }

func catalogError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fmt.Errorf("catalog %s: %s (%s): %w", op, pqErr.Message, pqErr.Code, err)
	}
	return unavailable("catalog", op, err)
}

// MemoryCatalog is the in-process Catalog used with the memory index.
type MemoryCatalog struct {
	mu   sync.RWMutex
	docs map[string]Document
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{docs: make(map[string]Document)}
}

func (m *MemoryCatalog) Put(_ context.Context, doc Document) error {
	if doc.IngestedAt.IsZero() {
		doc.IngestedAt = time.Now().UTC()
	}
	doc.RecordIDs = append([]string(nil), doc.RecordIDs...)
	m.mu.Lock()
	m.docs[doc.ID] = doc
	m.mu.Unlock()
	return nil
}

func (m *MemoryCatalog) Get(_ context.Context, id string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[id]
	if !ok {
		return Document{}, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	return doc, nil
}

func (m *MemoryCatalog) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	delete(m.docs, id)
	return nil
}

func (m *MemoryCatalog) List(context.Context) ([]Document, error) {
	m.mu.RLock()
	docs := make([]Document, 0, len(m.docs))
	for _, d := range m.docs {
		docs = append(docs, d)
	}
	m.mu.RUnlock()
	sort.Slice(docs, func(i, j int) bool { return docs[i].IngestedAt.After(docs[j].IngestedAt) })
	return docs, nil
}
