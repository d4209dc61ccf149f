package ingestion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
)

// ExtractText reads path and extracts its text.
func ExtractText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return Extract(context.Background(), filepath.Base(path), data)
}

// Extract detects the type from filename and returns text via direct extraction or OCR.
// Anything that cannot be read as its declared type is a *DocumentParseError.
func Extract(ctx context.Context, filename string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".txt", ".md":
		if !utf8.Valid(data) {
			return "", parseError(filename, fmt.Errorf("%s is not valid UTF-8", ext))
		}
		return string(data), nil
	case ".pdf":
		text, err := ExtractTextFromPDF(data)
		if err != nil {
			return "", parseError(filename, err)
		}
		if strings.TrimSpace(text) != "" {
			return text, nil
		}
		// no text layer, fall back to OCR
		text, err = ExtractTextWithOCR(ctx, data, true)
		if err != nil {
			log.Warn().Err(err).Str("filename", filename).Msg("pdf has no text layer and ocr failed")
			return "", parseError(filename, fmt.Errorf("%w: %w", ErrNoText, err))
		}
		return text, nil
	case ".png", ".jpg", ".jpeg":
		text, err := ExtractTextWithOCR(ctx, data, false)
		if err != nil {
			return "", parseError(filename, err)
		}
		return text, nil
	default:
		return "", parseError(filename, fmt.Errorf("%w %q", ErrUnsupportedType, ext))
	}
}
