// Package llm provides the completion backend used for transcript
// compression and handoff prompt generation. Every call is best-effort:
// callers carry deterministic fallbacks for when the provider is
// unreachable, so failures surface as ErrExternalUnavailable rather
// than aborting a fold or spawn.
package llm

import (
	"context"
	"fmt"
	"time"

	"ralphd/internal/config"
	"ralphd/internal/logging"
	"ralphd/internal/types"
)

// requestTimeout bounds every provider call.
const requestTimeout = 30 * time.Second

// Provider generates a single completion.
type Provider interface {
	// Complete sends one prompt and returns the text of the response.
	Complete(ctx context.Context, system, prompt string, maxTokens int) (string, error)

	// Name returns the provider name for logging.
	Name() string
}

// NewProvider creates a completion provider from configuration. Returns
// nil with no error when no provider is configured; callers must treat
// a nil provider as "use the fallback".
func NewProvider(cfg config.LLMConfig) (Provider, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			logging.Fold("LLM provider anthropic configured without key; using fallbacks")
			return nil, nil
		}
		return NewAnthropicProvider(cfg.AnthropicAPIKey, cfg.AnthropicModel), nil
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logging.Fold("LLM provider openai configured without key; using fallbacks")
			return nil, nil
		}
		return NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIModel), nil
	case "genai":
		if cfg.GenAIAPIKey == "" {
			logging.Fold("LLM provider genai configured without key; using fallbacks")
			return nil, nil
		}
		return NewGenAIProvider(cfg.GenAIAPIKey, cfg.GenAIModel)
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s (use 'anthropic', 'openai' or 'genai')", cfg.Provider)
	}
}

// external wraps a provider error as ErrExternalUnavailable so callers
// can fall back without inspecting provider-specific error types.
func external(provider string, err error) error {
	return fmt.Errorf("%w: %s: %v", types.ErrExternalUnavailable, provider, err)
}
