package config

import "os"

// applyEnv lets the usual provider environment variables override file values,
// so secrets can stay out of the YAML file.
func (c *Config) applyEnv() {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.Anthropic.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.OpenAI.APIKey = key
	}
	if base := os.Getenv("OPENAI_BASE_URL"); base != "" {
		c.OpenAI.BaseURL = base
	}
	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		c.Ollama.Host = host
	}
	if dir := os.Getenv("TELLY_DATA_DIR"); dir != "" {
		c.DataDir = dir
	}
}

// ProviderConfigured reports whether the named LLM provider has what it needs to be constructed.
func (c *Config) ProviderConfigured(provider string) bool {
	switch provider {
	case "anthropic":
		return c.Anthropic.APIKey != ""
	case "openai":
		return c.OpenAI.APIKey != ""
	case "ollama":
		return c.Ollama.Host != ""
	default:
		return false
	}
}
