// Package resolve builds providers from provider-agnostic configuration,
// so the composition root never imports provider packages directly.
package resolve

import (
	"fmt"

	"github.com/vessar/rondo"
	"github.com/vessar/rondo/provider/gemini"
	"github.com/vessar/rondo/provider/openaicompat"
)

// Config holds provider-agnostic configuration for creating a chat Provider.
// Temperature is deliberately absent: it travels on each ChatRequest so
// per-call settings (a deterministic classifier, a warmer synthesis pass)
// never fight a provider-level default.
type Config struct {
	Provider string // "gemini", "openai", "groq", "deepseek", "together", "mistral", "ollama"
	APIKey   string
	Model    string
	BaseURL  string // required for unknown openai-compat hosts; auto-filled for known providers

	// Common cross-provider options (nil = use provider default).
	TopP     *float64
	Thinking *bool
}

// EmbeddingConfig holds provider-agnostic configuration for creating an EmbeddingProvider.
type EmbeddingConfig struct {
	Provider   string
	APIKey     string
	Model      string
	BaseURL    string
	Dimensions int
}

// Provider creates a rondo.Provider from a provider-agnostic Config.
func Provider(cfg Config) (rondo.Provider, error) {
	switch cfg.Provider {
	case "gemini":
		return geminiProvider(cfg), nil
	case "openai", "groq", "deepseek", "together", "mistral", "ollama":
		return openaiCompatProvider(cfg), nil
	default:
		return nil, fmt.Errorf("resolve: unknown provider %q", cfg.Provider)
	}
}

// EmbeddingProvider creates a rondo.EmbeddingProvider from a provider-agnostic EmbeddingConfig.
func EmbeddingProvider(cfg EmbeddingConfig) (rondo.EmbeddingProvider, error) {
	switch cfg.Provider {
	case "gemini":
		return gemini.NewEmbedding(cfg.APIKey, cfg.Model, cfg.Dimensions), nil
	case "openai", "groq", "deepseek", "together", "mistral", "ollama":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = defaultBaseURL(cfg.Provider)
		}
		return openaicompat.NewEmbedding(baseURL, cfg.APIKey, cfg.Model, cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("resolve: embedding provider %q not supported", cfg.Provider)
	}
}

func geminiProvider(cfg Config) rondo.Provider {
	var opts []gemini.Option
	if cfg.TopP != nil {
		opts = append(opts, gemini.WithTopP(*cfg.TopP))
	}
	if cfg.Thinking != nil {
		opts = append(opts, gemini.WithThinking(*cfg.Thinking))
	}
	return gemini.New(cfg.APIKey, cfg.Model, opts...)
}

func openaiCompatProvider(cfg Config) rondo.Provider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL(cfg.Provider)
	}

	provOpts := []openaicompat.ProviderOption{
		openaicompat.WithName(cfg.Provider),
		openaicompat.WithDefaultModel(cfg.Model),
	}
	if cfg.TopP != nil {
		provOpts = append(provOpts, openaicompat.WithOptions(openaicompat.WithTopP(*cfg.TopP)))
	}
	return openaicompat.New(baseURL, cfg.APIKey, provOpts...)
}

func defaultBaseURL(provider string) string {
	switch provider {
	case "openai":
		return "https://api.openai.com/v1"
	case "groq":
		return "https://api.groq.com/openai/v1"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	case "together":
		return "https://api.together.xyz/v1"
	case "mistral":
		return "https://api.mistral.ai/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	default:
		return ""
	}
}
