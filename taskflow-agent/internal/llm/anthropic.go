package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Anthropic uses the Messages API. System prompts travel in the System field.
type Anthropic struct {
	client anthropic.Client
	opts   Options
}

func NewAnthropic(apiKey, baseURL string, opts Options) *Anthropic {
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1024
	}
	return &Anthropic{client: anthropic.NewClient(reqOpts...), opts: opts}
}

func (a *Anthropic) Model() string { return a.opts.Model }

func (a *Anthropic) Generate(ctx context.Context, messages []Message) (string, error) {
	return a.Stream(ctx, messages, nil)
}

func (a *Anthropic) Stream(ctx context.Context, messages []Message, onToken TokenFunc) (string, error) {
	system, rest := splitSystem(messages)
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(a.opts.Model),
		MaxTokens:   int64(a.opts.MaxTokens),
		Messages:    make([]anthropic.MessageParam, 0, len(rest)),
		Temperature: anthropic.Float(a.opts.Temperature),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	for _, m := range rest {
		if m.Role == RoleAssistant {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
			continue
		}
		params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
	}

	stream := a.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var out strings.Builder
	for stream.Next() {
		event := stream.Current()
		delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		text, ok := delta.Delta.AsAny().(anthropic.TextDelta)
		if !ok {
			continue
		}
		out.WriteString(text.Text)
		if err := emit(onToken, text.Text); err != nil {
			return out.String(), err
		}
	}
	if err := stream.Err(); err != nil {
		return out.String(), fmt.Errorf("anthropic messages: %w", err)
	}
	return out.String(), nil
}
