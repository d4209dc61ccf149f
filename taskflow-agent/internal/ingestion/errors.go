package ingestion

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrOCRUnavailable  = errors.New("ocr support not compiled in (build with -tags ocr)")
	ErrNoText          = errors.New("pdf has no text layer")
)

// DocumentParseError reports a source that could not be turned into text.
// Ingestion aborts before anything is written.
type DocumentParseError struct {
	Filename string
	Err      error
}

func (e *DocumentParseError) Error() string {
	return fmt.Sprintf("parsing %s: %v", e.Filename, e.Err)
}

func (e *DocumentParseError) Unwrap() error { return e.Err }

func parseError(filename string, err error) error {
	return &DocumentParseError{Filename: filename, Err: err}
}
