package llm

import (
	"fmt"
	"strings"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderNone      = "none"
)

// ClientKey identifies a resolved provider configuration.
type ClientKey struct {
	Provider     string
	Model        string
	APIKey       string // For credential-based providers
	Host         string // For Ollama
	BaseURL      string // For OpenAI
	Organization string // For OpenAI
}

// ProviderConfig holds the settings needed to resolve a provider. It is kept
// free of the config package to avoid an import cycle.
type ProviderConfig struct {
	AnthropicAPIKey string
	OllamaHost      string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	OpenAIOrg       string
}

var defaultModels = map[string]string{
	ProviderAnthropic: "claude-sonnet-4-5",
	ProviderOpenAI:    "gpt-4o-mini",
	ProviderOllama:    "llama3.2:3b",
}

// ProviderRegistry resolves a provider preference list to the first provider
// that has the configuration it needs.
type ProviderRegistry struct {
	config ProviderConfig
}

// NewProviderRegistry creates a registry.
func NewProviderRegistry(cfg ProviderConfig) *ProviderRegistry {
	return &ProviderRegistry{config: cfg}
}

// IsProviderConfigured checks if a provider has the required configuration.
func (r *ProviderRegistry) IsProviderConfigured(provider string) bool {
	switch provider {
	case ProviderAnthropic:
		return r.config.AnthropicAPIKey != ""
	case ProviderOllama:
		// host has a default
		return true
	case ProviderOpenAI:
		return r.config.OpenAIAPIKey != ""
	default:
		return false
	}
}

// Resolve returns a key for the first configured provider in preferences.
// model applies only to the first preference; fallbacks use their default
// model since model names are provider specific.
func (r *ProviderRegistry) Resolve(model string, preferences ...string) (*ClientKey, error) {
	if len(preferences) == 0 {
		return nil, fmt.Errorf("no providers requested")
	}
	for i, provider := range preferences {
		if provider == ProviderNone || !r.IsProviderConfigured(provider) {
			continue
		}
		m := defaultModels[provider]
		if i == 0 && model != "" {
			m = model
		}
		key := &ClientKey{Provider: provider, Model: m}
		switch provider {
		case ProviderAnthropic:
			key.APIKey = r.config.AnthropicAPIKey
		case ProviderOllama:
			key.Host = r.config.OllamaHost
		case ProviderOpenAI:
			key.APIKey = r.config.OpenAIAPIKey
			key.BaseURL = r.config.OpenAIBaseURL
			key.Organization = r.config.OpenAIOrg
		}
		return key, nil
	}
	return nil, fmt.Errorf("no configured provider among [%s]", strings.Join(preferences, ", "))
}
