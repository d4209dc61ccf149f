//go:build !ocr

package ingestion

import "context"

func ExtractTextWithOCR(context.Context, []byte, bool) (string, error) {
	return "", ErrOCRUnavailable
}
