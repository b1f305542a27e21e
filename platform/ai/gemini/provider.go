// Package gemini implements ai.Provider on the Google Gen AI SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"diagnostics_backend/platform/ai"

	"google.golang.org/genai"
)

const providerName = "gemini"

// Config for the Gemini API backend.
type Config struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
}

// Provider calls models.generateContent.
type Provider struct {
	client *genai.Client
	model  string
}

// New creates a Gemini provider.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Provider{client: client, model: cfg.Model}, nil
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Complete(ctx context.Context, prompt ai.Prompt) (string, error) {
	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(prompt.User), ai.GenerateConfig(prompt))
	if err != nil {
		return "", ai.NewProviderError(providerName, statusCode(err), err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", ai.NewProviderError(providerName, 0, ai.ErrEmptyResponse)
	}
	return text, nil
}

func statusCode(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}
