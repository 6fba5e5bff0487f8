package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

type Config struct {
	LLM        LLMConfig        `toml:"llm"`
	Classifier ClassifierConfig `toml:"classifier"`
	Embedding  EmbeddingConfig  `toml:"embedding"`
	Database   DatabaseConfig   `toml:"database"`
	Cache      CacheConfig      `toml:"cache"`
	Tools      ToolsConfig      `toml:"tools"`
	Limits     LimitsConfig     `toml:"limits"`
	Observer   ObserverConfig   `toml:"observer"`
}

type LLMConfig struct {
	Provider    string   `toml:"provider"`
	Model       string   `toml:"model"`
	APIKey      string   `toml:"api_key"`
	BaseURL     string   `toml:"base_url"`
	VisionModel string   `toml:"vision_model"`
	Temperature float64  `toml:"temperature"`
	MaxTokens   int      `toml:"max_tokens"`
	TopP        *float64 `toml:"top_p"`
	Thinking    *bool    `toml:"thinking"`
}

// ClassifierConfig selects the model for classification and planning
// calls. Unset fields inherit from [llm].
type ClassifierConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
	BaseURL  string `toml:"base_url"`
}

type EmbeddingConfig struct {
	Provider   string `toml:"provider"`
	Model      string `toml:"model"`
	Dimensions int    `toml:"dimensions"`
	APIKey     string `toml:"api_key"`
	BaseURL    string `toml:"base_url"`
}

type DatabaseConfig struct {
	Driver string `toml:"driver"` // "sqlite" or "postgres"
	Path   string `toml:"path"`   // sqlite file path
	URL    string `toml:"url"`    // postgres connection string
}

type CacheConfig struct {
	Backend  string `toml:"backend"` // "memory" or "redis"
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// ToolServer describes one tool server child process to launch and
// register at startup.
type ToolServer struct {
	Name     string   `toml:"name"`
	Command  string   `toml:"command"`
	Args     []string `toml:"args"`
	Keywords []string `toml:"keywords"`
}

type ToolsConfig struct {
	Workspace   string       `toml:"workspace"`
	BraveAPIKey string       `toml:"brave_api_key"` // enables the web_search tool
	Servers     []ToolServer `toml:"servers"`
}

type LimitsConfig struct {
	RPM           int `toml:"rpm"`
	TPM           int `toml:"tpm"`
	RetryAttempts int `toml:"retry_attempts"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		LLM:        LLMConfig{Provider: "gemini", Model: "gemini-2.5-flash", Temperature: 0.7},
		Classifier: ClassifierConfig{Provider: "gemini", Model: "gemini-2.5-flash-lite"},
		Embedding:  EmbeddingConfig{Provider: "gemini", Model: "gemini-embedding-001", Dimensions: 768},
		Database:   DatabaseConfig{Driver: "sqlite", Path: "rondo.db"},
		Cache:      CacheConfig{Backend: "memory", Addr: "localhost:6379"},
		Tools:      ToolsConfig{Workspace: filepath.Join(home, "rondo-workspace")},
		Limits:     LimitsConfig{RetryAttempts: 3},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "rondo.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("RONDO_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("RONDO_CLASSIFIER_API_KEY"); v != "" {
		cfg.Classifier.APIKey = v
	}
	if v := os.Getenv("RONDO_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("RONDO_BRAVE_API_KEY"); v != "" {
		cfg.Tools.BraveAPIKey = v
	}
	if v := os.Getenv("RONDO_DATABASE_URL"); v != "" {
		cfg.Database.Driver = "postgres"
		cfg.Database.URL = v
	}
	if v := os.Getenv("RONDO_CACHE_ADDR"); v != "" {
		cfg.Cache.Backend = "redis"
		cfg.Cache.Addr = v
	}
	if os.Getenv("RONDO_OBSERVER_ENABLED") == "true" || os.Getenv("RONDO_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Classifier.Provider == "" {
		cfg.Classifier.Provider = cfg.LLM.Provider
		cfg.Classifier.Model = cfg.LLM.Model
	}
	if cfg.Classifier.APIKey == "" {
		cfg.Classifier.APIKey = cfg.LLM.APIKey
	}
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = cfg.LLM.APIKey
	}

	return cfg
}
