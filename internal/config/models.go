package config

import "os"

// ProviderModels is one provider's entry in the model catalog.
type ProviderModels struct {
	Provider string
	Models   []string // first is the default
	KeyEnv   []string // any one of these enables the provider
}

var catalog = []ProviderModels{
	{Provider: "google", Models: []string{"gemini-2.5-flash", "gemini-2.5-pro"}, KeyEnv: []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"}},
	{Provider: "anthropic", Models: []string{"claude-sonnet-4-5", "claude-haiku-4-5"}, KeyEnv: []string{"ANTHROPIC_API_KEY"}},
	{Provider: "openai", Models: []string{"gpt-4o-mini", "gpt-4o"}, KeyEnv: []string{"OPENAI_API_KEY"}},
	{Provider: "openrouter", Models: []string{"openrouter/auto"}, KeyEnv: []string{"OPENROUTER_API_KEY"}},
}

// DefaultModel returns the model used when config names none for provider.
// openai_compatible shares OpenAI's default; unknown providers get Gemini's.
func DefaultModel(provider string) string {
	if provider == "openai_compatible" {
		provider = "openai"
	}
	for _, p := range catalog {
		if p.Provider == provider {
			return p.Models[0]
		}
	}
	return catalog[0].Models[0]
}

// Ready reports whether an API key for p is set in the environment.
func (p ProviderModels) Ready() bool {
	for _, env := range p.KeyEnv {
		if os.Getenv(env) != "" {
			return true
		}
	}
	return false
}

// Catalog lists every known provider and its models.
func Catalog() []ProviderModels {
	return append([]ProviderModels(nil), catalog...)
}
