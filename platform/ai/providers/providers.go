// Package providers selects the ai.Provider implementation from configuration.
package providers

import (
	"context"
	"fmt"
	"net/http"

	"diagnostics_backend/platform/ai"
	"diagnostics_backend/platform/ai/anthropic"
	"diagnostics_backend/platform/ai/gemini"
	"diagnostics_backend/platform/ai/openaicompat"
	"diagnostics_backend/platform/config"
)

// New builds the provider named by cfg.GetAIProvider(). The HTTP client
// carries the configured timeout as a backstop; callers still bound each
// call with their own context deadline.
func New(ctx context.Context, cfg config.AIConfig) (ai.Provider, error) {
	httpClient := &http.Client{Timeout: cfg.GetAITimeout()}

	switch cfg.GetAIProvider() {
	case "moonshot":
		llm := openaicompat.NewModel(openaicompat.Config{
			APIKey:  cfg.GetAIAPIKey(),
			BaseURL: cfg.GetAIBaseURL(),
			Model:   cfg.GetAIModel(),
		}, httpClient)
		return ai.FromLLM("moonshot", llm), nil
	case "openai":
		baseURL := cfg.GetAIBaseURL()
		if baseURL == "" {
			baseURL = openaicompat.OpenAIBaseURL
		}
		llm := openaicompat.NewModel(openaicompat.Config{
			APIKey:  cfg.GetAIAPIKey(),
			BaseURL: baseURL,
			Model:   cfg.GetAIModel(),
		}, httpClient)
		return ai.FromLLM("openai", llm), nil
	case "gemini":
		return gemini.New(ctx, gemini.Config{
			APIKey:     cfg.GetAIAPIKey(),
			Model:      cfg.GetAIModel(),
			BaseURL:    cfg.GetAIBaseURL(),
			HTTPClient: httpClient,
		})
	case "anthropic":
		return anthropic.New(anthropic.Config{
			APIKey:     cfg.GetAIAPIKey(),
			Model:      cfg.GetAIModel(),
			BaseURL:    cfg.GetAIBaseURL(),
			HTTPClient: httpClient,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported ai provider %q", cfg.GetAIProvider())
	}
}
