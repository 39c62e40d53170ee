package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GenAIProvider completes prompts against Google's Gemini API.
type GenAIProvider struct {
	client *genai.Client
	model  string
}

// NewGenAIProvider creates a Gemini completion provider.
func NewGenAIProvider(apiKey, model string) (*GenAIProvider, error) {
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAIProvider{client: client, model: model}, nil
}

// Complete sends one prompt and returns the response text.
func (p *GenAIProvider) Complete(ctx context.Context, system, prompt string, maxTokens int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var cfg *genai.GenerateContentConfig
	if system != "" || maxTokens > 0 {
		cfg = &genai.GenerateContentConfig{}
		if system != "" {
			cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
		}
		if maxTokens > 0 {
			cfg.MaxOutputTokens = int32(maxTokens)
		}
	}

	result, err := p.client.Models.GenerateContent(ctx,
		p.model,
		genai.Text(prompt),
		cfg,
	)
	if err != nil {
		return "", external(p.Name(), err)
	}
	return result.Text(), nil
}

// Name returns the provider name.
func (p *GenAIProvider) Name() string {
	return fmt.Sprintf("genai:%s", p.model)
}
