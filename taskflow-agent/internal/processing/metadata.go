package processing

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Source values for SourceMetadata.Source.
const (
	SourceLocal  = "local"
	SourceGDrive = "gdrive"
	SourceUpload = "upload"
)

// SourceMetadata describes the document every chunk was cut from.
type SourceMetadata struct {
	DocumentID string
	Filename   string
	Source     string
	Path       string
	Title      string
	ImportedAt time.Time
}

// Chunk is a contiguous token span of a document.
type Chunk struct {
	DocumentID  string
	Index       int
	Text        string
	TokenCount  int
	StartOffset int
	EndOffset   int
	Source      SourceMetadata
}

// ID is globally unique and stable across re-ingestion of the same document.
func (c Chunk) ID() string {
	return RecordID(c.DocumentID, c.Index)
}

// Metadata flattens the chunk's provenance for storage next to its vector.
func (c Chunk) Metadata() map[string]any {
	m := map[string]any{
		"document_id":  c.DocumentID,
		"filename":     c.Source.Filename,
		"source":       c.Source.Source,
		"chunk_index":  c.Index,
		"token_count":  c.TokenCount,
		"start_offset": c.StartOffset,
		"end_offset":   c.EndOffset,
	}
	if c.Source.Title != "" {
		m["title"] = c.Source.Title
	}
	if c.Source.Path != "" {
		m["path"] = c.Source.Path
	}
	if !c.Source.ImportedAt.IsZero() {
		m["imported_at"] = c.Source.ImportedAt.UTC().Format(time.RFC3339)
	}
	return m
}

// RecordID derives the index id of chunk index of documentID.
func RecordID(documentID string, index int) string {
	return documentID + ":" + strconv.Itoa(index)
}

// DocumentID derives a stable id from a filename so re-uploads overwrite.
func DocumentID(filename string) string {
	sum := sha256.Sum256([]byte(filename))
	return hex.EncodeToString(sum[:8])
}
