package ai

import (
	"context"
	"strings"

	"google.golang.org/adk/model"
	"google.golang.org/genai"
)

// LLMProvider exposes an ADK model.LLM as a Provider.
type LLMProvider struct {
	name string
	llm  model.LLM
}

// FromLLM wraps llm under the given provider name.
func FromLLM(name string, llm model.LLM) *LLMProvider {
	return &LLMProvider{name: name, llm: llm}
}

func (p *LLMProvider) Name() string { return p.name }

// Complete sends the prompt as a single user turn and joins every text part
// of the responses.
func (p *LLMProvider) Complete(ctx context.Context, prompt Prompt) (string, error) {
	req := &model.LLMRequest{
		Model:    p.llm.Name(),
		Contents: []*genai.Content{genai.NewContentFromText(prompt.User, genai.RoleUser)},
		Config:   GenerateConfig(prompt),
	}

	var out strings.Builder
	for resp, err := range p.llm.GenerateContent(ctx, req, false) {
		if err != nil {
			return "", NewProviderError(p.name, 0, err)
		}
		if resp == nil || resp.Content == nil {
			continue
		}
		for _, part := range resp.Content.Parts {
			if part != nil && part.Text != "" {
				out.WriteString(part.Text)
			}
		}
	}

	text := strings.TrimSpace(out.String())
	if text == "" {
		return "", NewProviderError(p.name, 0, ErrEmptyResponse)
	}
	return text, nil
}

// GenerateConfig maps a Prompt onto genai request settings.
func GenerateConfig(prompt Prompt) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(prompt.Temperature)),
	}
	if prompt.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(prompt.MaxTokens)
	}
	if strings.TrimSpace(prompt.System) != "" {
		cfg.SystemInstruction = genai.NewContentFromText(prompt.System, genai.RoleUser)
	}
	return cfg
}
