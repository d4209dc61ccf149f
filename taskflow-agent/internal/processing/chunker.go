package processing

import (
	"fmt"
	"strings"

	"github.com/clipperhouse/uax29/v2/words"
)

const (
	DefaultMaxChunkSize = 1000
	DefaultChunkOverlap = 150
)

// Chunker splits text into overlapping token-bounded chunks.
type Chunker struct {
	maxSize int
	overlap int
}

func NewChunker(maxSize, overlap int) (*Chunker, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("max chunk size must be positive, got %d", maxSize)
	}
	if overlap < 0 || overlap >= maxSize {
		return nil, fmt.Errorf("chunk overlap must be in [0, %d), got %d", maxSize, overlap)
	}
	return &Chunker{maxSize: maxSize, overlap: overlap}, nil
}

func (c *Chunker) MaxSize() int { return c.maxSize }
func (c *Chunker) Overlap() int { return c.overlap }

type token struct {
	start, end int
}

// tokenize returns the byte spans of the non-whitespace UAX #29 word segments of text.
func tokenize(text string) []token {
	var (
		out    []token
		offset int
	)
	segs := words.FromString(text)
	for segs.Next() {
		v := segs.Value()
		start := offset
		offset += len(v)
		if strings.TrimSpace(v) == "" {
			continue
		}
		out = append(out, token{start: start, end: offset})
	}
	return out
}

// CountTokens reports how many tokens the chunker would see in text.
func CountTokens(text string) int {
	return len(tokenize(text))
}

// Split cuts text into chunks. Empty or whitespace-only text yields no chunks.
func (c *Chunker) Split(text string, meta SourceMetadata) []Chunk {
	toks := tokenize(text)
	if len(toks) == 0 {
		return nil
	}

	step := c.maxSize - c.overlap
	var chunks []Chunk
	for start := 0; ; start += step {
		end := min(start+c.maxSize, len(toks))
		first, last := toks[start], toks[end-1]
		chunks = append(chunks, Chunk{
			DocumentID:  meta.DocumentID,
			Index:       len(chunks),
			Text:        text[first.start:last.end],
			TokenCount:  end - start,
			StartOffset: first.start,
			EndOffset:   last.end,
			Source:      meta,
		})
		if end == len(toks) {
			break
		}
	}
	return chunks
}

// ExpectedChunks is the chunk count Split produces for a text of n tokens.
func (c *Chunker) ExpectedChunks(n int) int {
	if n <= 0 {
		return 0
	}
	if n <= c.maxSize {
		return 1
	}
	step := c.maxSize - c.overlap
	return (n - c.overlap + step - 1) / step
}
