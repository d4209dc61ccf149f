package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/config"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/metrics"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/models"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// TokenFunc receives generated text fragments in order. Returning an error stops generation.
type TokenFunc func(token string) error

// Generator is a chat model. Stream calls onToken for every fragment and returns the
// full text; Generate is Stream without a callback.
type Generator interface {
	Generate(ctx context.Context, messages []Message) (string, error)
	Stream(ctx context.Context, messages []Message, onToken TokenFunc) (string, error)
	Model() string
}

// Options are the sampling settings shared by every provider.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// New builds the generator for cfg.Provider. The choice is made once here.
func New(ctx context.Context, cfg config.LLMConfig) (Generator, error) {
	opts := Options{Model: cfg.Model, Temperature: cfg.Temperature, MaxTokens: cfg.MaxTokens}
	var (
		g   Generator
		err error
	)
	switch strings.ToLower(cfg.Provider) {
	case "ollama", "":
		g, err = NewOllama(cfg.OllamaBaseURL, opts, nil)
	case "openai":
		g = NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, opts)
	case "anthropic":
		g = NewAnthropic(cfg.AnthropicAPIKey, cfg.AnthropicBaseURL, opts)
	case "gemini", "google":
		g, err = NewGemini(ctx, cfg.GoogleAPIKey, "", opts)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return &observed{Generator: g, provider: strings.ToLower(cfg.Provider), timeout: cfg.Timeout}, nil
}

// observed adds the per-call timeout, error classification and metrics.
type observed struct {
	Generator
	provider string
	timeout  time.Duration
}

func (o *observed) Generate(ctx context.Context, messages []Message) (string, error) {
	return o.Stream(ctx, messages, nil)
}

func (o *observed) Stream(ctx context.Context, messages []Message, onToken TokenFunc) (string, error) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	start := time.Now()
	text, err := o.Generator.Stream(ctx, messages, onToken)
	metrics.ObserveModelCall("generation", o.Model(), start, err)
	if err != nil {
		return text, fmt.Errorf("%s generation: %w", o.provider, models.Classify(err))
	}
	return text, nil
}

// emit forwards a fragment when a callback is set.
func emit(onToken TokenFunc, token string) error {
	if onToken == nil || token == "" {
		return nil
	}
	return onToken(token)
}

// splitSystem separates system messages for providers that take them out of band.
func splitSystem(messages []Message) (string, []Message) {
	var system []string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}
