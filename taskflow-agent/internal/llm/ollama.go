package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
)

const DefaultOllamaURL = "http://localhost:11434"

// Ollama chats with a local Ollama server.
type Ollama struct {
	client *api.Client
	opts   Options
}

func NewOllama(baseURL string, opts Options, httpClient *http.Client) (*Ollama, error) {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing ollama url %q: %w", baseURL, err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if opts.Model == "" {
		opts.Model = "llama3"
	}
	return &Ollama{client: api.NewClient(u, httpClient), opts: opts}, nil
}

func (o *Ollama) Model() string { return o.opts.Model }

func (o *Ollama) Generate(ctx context.Context, messages []Message) (string, error) {
	return o.Stream(ctx, messages, nil)
}

func (o *Ollama) Stream(ctx context.Context, messages []Message, onToken TokenFunc) (string, error) {
	msgs := make([]api.Message, len(messages))
	for i, m := range messages {
		msgs[i] = api.Message{Role: string(m.Role), Content: m.Content}
	}
	stream := true
	options := map[string]any{"temperature": o.opts.Temperature}
	if o.opts.MaxTokens > 0 {
		options["num_predict"] = o.opts.MaxTokens
	}

	var out strings.Builder
	err := o.client.Chat(ctx, &api.ChatRequest{
		Model:    o.opts.Model,
		Messages: msgs,
		Stream:   &stream,
		Options:  options,
	}, func(resp api.ChatResponse) error {
		out.WriteString(resp.Message.Content)
		return emit(onToken, resp.Message.Content)
	})
	if err != nil {
		return out.String(), fmt.Errorf("ollama chat: %w", err)
	}
	return out.String(), nil
}
