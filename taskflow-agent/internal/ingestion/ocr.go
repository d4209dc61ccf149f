//go:build ocr

package ingestion

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// ExtractTextWithOCR runs OCR on an image, or on a scanned PDF when isPDF is set.
// PDF pages are rasterised with pdftoppm (poppler) first.
func ExtractTextWithOCR(ctx context.Context, data []byte, isPDF bool) (string, error) {
	if !isPDF {
		return runTesseract(data)
	}

	dir, err := os.MkdirTemp("", "taskflow-ocr")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(dir)
	in := filepath.Join(dir, "in.pdf")
	if err := os.WriteFile(in, data, 0o600); err != nil {
		return "", err
	}
	prefix := filepath.Join(dir, "page")
	if err := exec.CommandContext(ctx, "pdftoppm", "-png", in, prefix).Run(); err != nil {
		return "", fmt.Errorf("pdftoppm convert failed: %w", err)
	}
	matches, err := filepath.Glob(prefix + "-*.png")
	if err != nil {
		return "", err
	}
	sort.Strings(matches)

	var combined strings.Builder
	for _, m := range matches {
		img, err := os.ReadFile(m)
		if err != nil {
			continue
		}
		t, err := runTesseract(img)
		if err != nil {
			continue
		}
		combined.WriteString(t)
		combined.WriteString("\n")
	}
	return strings.TrimSpace(combined.String()), nil
}

func runTesseract(img []byte) (string, error) {
	client := gosseract.NewClient()
	defer client.Close()
	if err := client.SetImageFromBytes(img); err != nil {
		return "", err
	}
	text, err := client.Text()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}
