package provider

import (
	"fmt"
	"strings"

	"github.com/coworkos/cowork/internal/config"
	"github.com/coworkos/cowork/internal/secrets"
)

// Resolve picks a provider from configuration. Priority: Anthropic, OpenAI,
// OpenRouter, Ollama (keyless local endpoint).
func Resolve(cfg *config.Config) (Provider, error) {
	model := cfg.Model.Name

	if key := openSecret(cfg.Providers.Anthropic.APIKey); key != "" {
		return NewAnthropicProvider(key, cfg.Providers.Anthropic.APIBase, model), nil
	}
	if key := openSecret(cfg.Providers.OpenAI.APIKey); key != "" {
		return NewOpenAIProvider(key, cfg.Providers.OpenAI.APIBase, model), nil
	}
	if key := openSecret(cfg.Providers.OpenRouter.APIKey); key != "" {
		base := cfg.Providers.OpenRouter.APIBase
		if base == "" {
			base = "https://openrouter.ai/api/v1"
		}
		return NewOpenAIProvider(key, base, model), nil
	}
	if base := strings.TrimSpace(cfg.Providers.Ollama.APIBase); base != "" {
		return NewOpenAIProvider("", base, model), nil
	}
	return nil, fmt.Errorf("no LLM provider configured")
}

func openSecret(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	plain, err := secrets.Open(value)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(plain)
}
