//go:build !ocr

package ingestion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImageWithoutOCRIsParseError(t *testing.T) {
	_, err := Extract(context.Background(), "scan.png", []byte{0x89, 'P', 'N', 'G'})
	var perr *DocumentParseError
	require.True(t, errors.As(err, &perr))
	assert.ErrorIs(t, err, ErrOCRUnavailable)
}

// blankPDF builds a one-page PDF without any content stream.
func blankPDF() []byte {
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>",
	}
	var b bytes.Buffer
	b.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = b.Len()
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&b, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return b.Bytes()
}

func TestScannedPDFWithoutOCRIsParseError(t *testing.T) {
	_, err := Extract(context.Background(), "scan.pdf", blankPDF())
	var perr *DocumentParseError
	require.True(t, errors.As(err, &perr), "got %v", err)
	assert.Equal(t, "scan.pdf", perr.Filename)
	assert.ErrorIs(t, err, ErrNoText)
	assert.ErrorIs(t, err, ErrOCRUnavailable)
}
