// Package config loads runtime configuration: defaults, then portico.toml,
// then environment variables, with env winning.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Providers Providers `toml:"providers"`
	Embedding Embedding `toml:"embedding"`
	Database  Database  `toml:"database"`
	Chat      Chat      `toml:"chat"`
	Guard     Guard     `toml:"guard"`
	Search    Search    `toml:"search"`
	Observer  Observer  `toml:"observer"`

	// ExternalTools lists remote capability servers to register.
	ExternalTools []ExternalTool `toml:"external_tools"`
}

// ExternalTool points at a remote capability server whose functions are
// registered under the given namespace.
type ExternalTool struct {
	Namespace string `toml:"namespace"`
	URL       string `toml:"url"`
	Secret    string `toml:"secret"`
}

// Providers holds per-vendor credentials for the routing table.
type Providers struct {
	AnthropicAPIKey string `toml:"anthropic_api_key"`
	GeminiAPIKey    string `toml:"gemini_api_key"`
	OpenAIAPIKey    string `toml:"openai_api_key"`
	OpenAIBaseURL   string `toml:"openai_base_url"`
	OllamaBaseURL   string `toml:"ollama_base_url"`
}

type Embedding struct {
	Model      string `toml:"model"`
	Dimensions int    `toml:"dimensions"`
}

// Database selects the storage backend: "sqlite" with a file path, or
// "postgres" with a pgx DSN.
type Database struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
	DSN    string `toml:"dsn"`
}

// Chat tunes the conversation pipeline. RPM and TPM, when set, apply
// proactive per-vendor rate limiting on top of retry.
type Chat struct {
	DefaultModel    string  `toml:"default_model"`
	HistoryLimit    int     `toml:"history_limit"`
	RecallThreshold float64 `toml:"recall_threshold"`
	RoundLimit      int     `toml:"round_limit"`
	RetrievalBudget int     `toml:"retrieval_budget"`
	RetryAttempts   int     `toml:"retry_attempts"`
	RPM             int     `toml:"rpm"`
	TPM             int     `toml:"tpm"`
}

// Guard enables input/output screening on turns. Zero limits disable the
// corresponding check.
type Guard struct {
	Injection     bool `toml:"injection"`
	MaxInputChars int  `toml:"max_input_chars"`
	MaxToolCalls  int  `toml:"max_tool_calls"`
}

type Search struct {
	BraveAPIKey string `toml:"brave_api_key"`
}

type Observer struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Embedding: Embedding{Model: "gemini-embedding-001", Dimensions: 768},
		Database:  Database{Driver: "sqlite", Path: "portico.db"},
		Chat: Chat{
			DefaultModel:    "gemini-2.5-flash",
			HistoryLimit:    20,
			RecallThreshold: 0.3,
			RoundLimit:      5,
			RetrievalBudget: 2000,
			RetryAttempts:   3,
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "portico.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("PORTICO_ANTHROPIC_API_KEY"); v != "" {
		cfg.Providers.AnthropicAPIKey = v
	}
	if v := os.Getenv("PORTICO_GEMINI_API_KEY"); v != "" {
		cfg.Providers.GeminiAPIKey = v
	}
	if v := os.Getenv("PORTICO_OPENAI_API_KEY"); v != "" {
		cfg.Providers.OpenAIAPIKey = v
	}
	if v := os.Getenv("PORTICO_OPENAI_BASE_URL"); v != "" {
		cfg.Providers.OpenAIBaseURL = v
	}
	if v := os.Getenv("PORTICO_OLLAMA_BASE_URL"); v != "" {
		cfg.Providers.OllamaBaseURL = v
	}
	if v := os.Getenv("PORTICO_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
		cfg.Database.Driver = "postgres"
	}
	if v := os.Getenv("PORTICO_BRAVE_API_KEY"); v != "" {
		cfg.Search.BraveAPIKey = v
	}
	if v := os.Getenv("PORTICO_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}
