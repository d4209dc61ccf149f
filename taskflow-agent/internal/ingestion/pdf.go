package ingestion

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	pdf "github.com/ledongthuc/pdf"
)

// ExtractTextFromPDF extracts the text layer page by page; returns empty string if none found.
func ExtractTextFromPDF(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("reading pdf: %w", err)
	}

	var buf strings.Builder
	fonts := make(map[string]*pdf.Font)
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		for _, name := range p.Fonts() {
			if _, ok := fonts[name]; !ok {
				f := p.Font(name)
				fonts[name] = &f
			}
		}
		t, err := p.GetPlainText(fonts)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", i, err)
		}
		buf.WriteString(t)
		buf.WriteString("\n")
	}

	text = strings.TrimSpace(buf.String())
	if text == "" {
		// try pdftotext CLI if available
		if out, err := pdftotext(context.Background(), data); err == nil {
			return strings.TrimSpace(out), nil
		}
	}
	return text, nil
}

func pdftotext(ctx context.Context, data []byte) (string, error) {
	if _, err := exec.LookPath("pdftotext"); err != nil {
		return "", err
	}
	dir, err := os.MkdirTemp("", "taskflow-pdf")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(dir)
	in := filepath.Join(dir, "in.pdf")
	if err := os.WriteFile(in, data, 0o600); err != nil {
		return "", err
	}
	out, err := exec.CommandContext(ctx, "pdftotext", "-layout", in, "-").Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}
