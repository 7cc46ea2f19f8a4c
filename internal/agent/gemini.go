package agent

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

type geminiClient struct {
	client *genai.Client
	model  string
}

// NewGeminiClient builds a Client backed by the Gemini API. baseURL is only
// set for tests and self-hosted proxies.
func NewGeminiClient(ctx context.Context, apiKey, model, baseURL string) (Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &geminiClient{client: client, model: model}, nil
}

func (g *geminiClient) Complete(ctx context.Context, system, prompt string) (string, error) {
	result, err := g.client.Models.GenerateContent(ctx,
		g.model,
		genai.Text(prompt),
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
			Temperature:       genai.Ptr[float32](0.2),
			MaxOutputTokens:   400,
		},
	)
	if err != nil {
		return "", fmt.Errorf("GenAI generate failed: %w", err)
	}
	text := strings.TrimSpace(result.Text())
	if text == "" {
		return "", fmt.Errorf("no candidates returned")
	}
	return text, nil
}
