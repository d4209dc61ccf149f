package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAI uses the chat completions API, or any server compatible with it.
type OpenAI struct {
	client openai.Client
	opts   Options
}

func NewOpenAI(apiKey, baseURL string, opts Options) *OpenAI {
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	return &OpenAI{client: openai.NewClient(reqOpts...), opts: opts}
}

func (o *OpenAI) Model() string { return o.opts.Model }

func (o *OpenAI) Generate(ctx context.Context, messages []Message) (string, error) {
	return o.Stream(ctx, messages, nil)
}

func (o *OpenAI) Stream(ctx context.Context, messages []Message, onToken TokenFunc) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(o.opts.Model),
		Messages:    make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)),
		Temperature: openai.Float(o.opts.Temperature),
	}
	if o.opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(o.opts.MaxTokens))
	}
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			params.Messages = append(params.Messages, openai.SystemMessage(m.Content))
		case RoleAssistant:
			params.Messages = append(params.Messages, openai.AssistantMessage(m.Content))
		default:
			params.Messages = append(params.Messages, openai.UserMessage(m.Content))
		}
	}

	stream := o.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var out strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		token := chunk.Choices[0].Delta.Content
		out.WriteString(token)
		if err := emit(onToken, token); err != nil {
			return out.String(), err
		}
	}
	if err := stream.Err(); err != nil {
		return out.String(), fmt.Errorf("openai chat: %w", err)
	}
	return out.String(), nil
}
