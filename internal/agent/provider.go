// Package agent holds the model backends the remote care-plan planner can
// call. Each backend satisfies Client; New picks one from configuration.
package agent

import (
	"context"
	"fmt"
	"strings"
)

// Disabled is the provider value that turns the remote path off.
const Disabled = "disabled"

// New returns the Client for provider, or nil when the remote path is
// disabled. An empty endpoint selects the provider's public API.
func New(ctx context.Context, provider, endpoint, apiKey, model string) (Client, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "", Disabled, "heuristic":
		return nil, nil
	case "openai", "chatgpt":
		if endpoint == "" {
			endpoint = openAIChatURL
		}
		if model == "" {
			model = "gpt-4o-mini"
		}
		return NewChatClient(endpoint, apiKey, model), nil
	case "deepseek":
		if endpoint == "" {
			endpoint = deepSeekChatURL
		}
		if model == "" {
			model = "deepseek-chat"
		}
		return NewChatClient(endpoint, apiKey, model), nil
	case "gemini", "google":
		return NewGeminiClient(ctx, apiKey, model, endpoint)
	case "http":
		if endpoint == "" {
			return nil, fmt.Errorf("provider http requires an endpoint")
		}
		return NewChatClient(endpoint, apiKey, model), nil
	}
	return nil, fmt.Errorf("unknown planner provider %q", provider)
}
