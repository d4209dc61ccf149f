package models

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type State int

const (
	NotLoaded State = iota
	Loading
	Ready
	Degraded
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Degraded:
		return "degraded"
	default:
		return "not_loaded"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type Tier string

const (
	TierNone     Tier = ""
	TierPrimary  Tier = "primary"
	TierFallback Tier = "fallback"
)

// Loader builds a usable model handle for the given model name.
type Loader[T any] func(ctx context.Context, model string) (T, error)

// Status is a snapshot of a Lifecycle.
type Status struct {
	Kind     string    `json:"kind"`
	State    State     `json:"state"`
	Tier     Tier      `json:"tier,omitempty"`
	Model    string    `json:"model,omitempty"`
	LoadedAt time.Time `json:"loaded_at,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Usable reports whether requests may run against the model.
func (s Status) Usable() bool { return s.State == Ready || s.State == Degraded }

// Lifecycle owns one model slot with a primary and an optional fallback tier.
// Try primary; on load failure use fallback; record which tier is active.
type Lifecycle[T any] struct {
	kind     string
	primary  string
	fallback string
	load     Loader[T]
	logger   zerolog.Logger

	mu       sync.RWMutex
	state    State
	tier     Tier
	model    T
	name     string
	loadedAt time.Time
	lastErr  error
}

type Option func(*options)

type options struct {
	logger *zerolog.Logger
}

// WithLogger routes lifecycle events to logger instead of the global one.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = &logger }
}

func NewLifecycle[T any](kind, primary, fallback string, load Loader[T], opts ...Option) *Lifecycle[T] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := log.Logger
	if o.logger != nil {
		logger = *o.logger
	}
	return &Lifecycle[T]{
		kind:     kind,
		primary:  primary,
		fallback: fallback,
		load:     load,
		logger:   logger.With().Str("model_kind", kind).Logger(),
	}
}

// ReadyLifecycle wraps an already constructed model, for callers that skip loading.
func ReadyLifecycle[T any](kind, name string, model T) *Lifecycle[T] {
	l := NewLifecycle[T](kind, name, "", nil)
	l.state = Ready
	l.tier = TierPrimary
	l.model = model
	l.name = name
	l.loadedAt = time.Now()
	return l
}

// Load runs the two-tier selection. It returns ErrModelUnavailable when both tiers fail.
func (l *Lifecycle[T]) Load(ctx context.Context) error {
	if !l.begin() {
		return fmt.Errorf("%s %w", l.kind, ErrInitializing)
	}
	return l.run(ctx)
}

// LoadAsync moves to Loading synchronously and loads in the background, so requests
// made before it finishes fail fast with ErrInitializing.
func (l *Lifecycle[T]) LoadAsync(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	if !l.begin() {
		done <- fmt.Errorf("%s %w", l.kind, ErrInitializing)
		close(done)
		return done
	}
	go func() {
		done <- l.run(ctx)
		close(done)
	}()
	return done
}

func (l *Lifecycle[T]) begin() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == Loading {
		return false
	}
	l.state = Loading
	l.lastErr = nil
	return true
}

func (l *Lifecycle[T]) run(ctx context.Context) error {
	if l.load == nil {
		l.mu.Lock()
		if l.name != "" {
			l.state = Ready
		} else {
			l.state = NotLoaded
		}
		l.mu.Unlock()
		return nil
	}

	model, err := l.load(ctx, l.primary)
	if err == nil {
		l.set(Ready, TierPrimary, l.primary, model, nil)
		l.logger.Info().Str("model", l.primary).Str("tier", string(TierPrimary)).Msg("model loaded")
		return nil
	}
	l.logger.Error().Err(err).Str("model", l.primary).Msg("primary model failed to load")

	if l.fallback == "" || l.fallback == l.primary || ctx.Err() != nil {
		var zero T
		l.set(NotLoaded, TierNone, "", zero, err)
		return fmt.Errorf("%w: %s %s: %w", ErrModelUnavailable, l.kind, l.primary, err)
	}

	model, ferr := l.load(ctx, l.fallback)
	if ferr != nil {
		var zero T
		joined := errors.Join(err, ferr)
		l.set(NotLoaded, TierNone, "", zero, joined)
		l.logger.Error().Err(ferr).Str("model", l.fallback).Msg("fallback model failed to load")
		return fmt.Errorf("%w: %s: %w", ErrModelUnavailable, l.kind, joined)
	}

	l.set(Degraded, TierFallback, l.fallback, model, err)
	l.logger.Warn().
		Str("model", l.fallback).
		Str("primary_model", l.primary).
		Str("tier", string(TierFallback)).
		Str("state", Degraded.String()).
		Msg("DEGRADED: serving with fallback model, result quality is reduced")
	return nil
}

func (l *Lifecycle[T]) set(state State, tier Tier, name string, model T, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = state
	l.tier = tier
	l.name = name
	l.model = model
	l.lastErr = err
	if state == Ready || state == Degraded {
		l.loadedAt = time.Now()
	}
}

// Acquire returns the active model or fails fast.
func (l *Lifecycle[T]) Acquire() (T, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var zero T
	switch l.state {
	case Ready, Degraded:
		return l.model, nil
	case Loading:
		return zero, fmt.Errorf("%s %w", l.kind, ErrInitializing)
	default:
		return zero, fmt.Errorf("%w: %s not loaded", ErrModelUnavailable, l.kind)
	}
}

func (l *Lifecycle[T]) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := Status{Kind: l.kind, State: l.state, Tier: l.tier, Model: l.name, LoadedAt: l.loadedAt}
	if l.lastErr != nil {
		s.Error = l.lastErr.Error()
	}
	return s
}

// Close tears the model down. Models implementing io.Closer are closed.
func (l *Lifecycle[T]) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var err error
	if c, ok := any(l.model).(io.Closer); ok && (l.state == Ready || l.state == Degraded) {
		err = c.Close()
	}
	var zero T
	l.model = zero
	l.state = NotLoaded
	l.tier = TierNone
	l.name = ""
	return err
}

// After delays load until ready yields, for models built on another model's lifecycle.
// A nil ready channel does not wait.
func After[T any](ready <-chan error, load Loader[T]) Loader[T] {
	return func(ctx context.Context, model string) (T, error) {
		if ready != nil {
			select {
			case <-ready:
			case <-ctx.Done():
				var zero T
				return zero, ctx.Err()
			}
		}
		return load(ctx, model)
	}
}
