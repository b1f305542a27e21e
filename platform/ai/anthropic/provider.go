// Package anthropic implements ai.Provider on the Anthropic Messages API.
package anthropic

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"diagnostics_backend/platform/ai"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const providerName = "anthropic"

// Config for the Messages API.
type Config struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
}

// Provider sends one user message per completion.
type Provider struct {
	client sdk.Client
	model  string
}

// New creates an Anthropic provider. SDK-level retries are disabled; the
// diagnosis job owns the retry policy.
func New(cfg Config) *Provider {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	return &Provider{client: sdk.NewClient(opts...), model: cfg.Model}
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Complete(ctx context.Context, prompt ai.Prompt) (string, error) {
	maxTokens := int64(prompt.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	params := sdk.MessageNewParams{
		Model:       sdk.Model(p.model),
		MaxTokens:   maxTokens,
		Temperature: sdk.Float(prompt.Temperature),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt.User)),
		},
	}
	if strings.TrimSpace(prompt.System) != "" {
		params.System = []sdk.TextBlockParam{{Text: prompt.System}}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", ai.NewProviderError(providerName, statusCode(err), err)
	}

	var out strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(out.String())
	if text == "" {
		return "", ai.NewProviderError(providerName, 0, ai.ErrEmptyResponse)
	}
	return text, nil
}

func statusCode(err error) int {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
