package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// Gemini uses the Gemini developer API.
type Gemini struct {
	client *genai.Client
	opts   Options
}

func NewGemini(ctx context.Context, apiKey, baseURL string, opts Options) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: baseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &Gemini{client: client, opts: opts}, nil
}

func (g *Gemini) Model() string { return g.opts.Model }

func (g *Gemini) Generate(ctx context.Context, messages []Message) (string, error) {
	return g.Stream(ctx, messages, nil)
}

func (g *Gemini) Stream(ctx context.Context, messages []Message, onToken TokenFunc) (string, error) {
	system, rest := splitSystem(messages)
	temp := float32(g.opts.Temperature)
	cfg := &genai.GenerateContentConfig{
		Temperature:     &temp,
		MaxOutputTokens: int32(g.opts.MaxTokens),
	}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	contents := make([]*genai.Content, 0, len(rest))
	for _, m := range rest {
		contents = append(contents, genai.NewContentFromText(m.Content, geminiRole(m.Role)))
	}

	var out strings.Builder
	for resp, err := range g.client.Models.GenerateContentStream(ctx, g.opts.Model, contents, cfg) {
		if err != nil {
			return out.String(), fmt.Errorf("gemini generate: %w", err)
		}
		token := resp.Text()
		out.WriteString(token)
		if err := emit(onToken, token); err != nil {
			return out.String(), err
		}
	}
	return out.String(), nil
}

// geminiRole maps a chat role onto Gemini's user/model pair.
func geminiRole(role Role) genai.Role {
	if role == RoleAssistant {
		return genai.RoleModel
	}
	return genai.RoleUser
}
