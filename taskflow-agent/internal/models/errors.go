package models

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrModelUnavailable means the model could not be loaded or stopped answering.
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrInitializing is returned while a model is still loading. Retryable.
	ErrInitializing = errors.New("service initializing")
	// ErrTimeout is returned when a model call exceeds its deadline. Retryable.
	ErrTimeout = errors.New("model call timed out")
)

// Classify maps a failed model call onto ErrTimeout or ErrModelUnavailable.
// Errors already classified, and caller cancellation, pass through unchanged.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrModelUnavailable), errors.Is(err, ErrInitializing):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrModelUnavailable, err)
	}
}

// IsRetryable reports whether err is transient (timeout or still loading).
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrInitializing)
}
