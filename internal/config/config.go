// Package config loads ralphd configuration from the data directory.
// Config is a YAML file with environment-variable overrides; every
// field has a usable default so a missing file is not an error.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the full ralphd configuration.
type Config struct {
	// DataDir holds the database, logs and archives.
	DataDir string `yaml:"data_dir"`

	// DatabasePath is the SQLite file. Overridden by DATABASE_URL.
	DatabasePath string `yaml:"database_path"`

	// ListenAddr is the HTTP listen address.
	ListenAddr string `yaml:"listen_addr"`

	// DefaultMaxTokens caps auto-detected sessions.
	DefaultMaxTokens int `yaml:"default_max_tokens"`

	Logging   LoggingConfig   `yaml:"logging"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	LLM       LLMConfig       `yaml:"llm"`
}

// LoggingConfig controls the category file logger.
type LoggingConfig struct {
	Debug bool   `yaml:"debug"`
	Level string `yaml:"level"`
}

// EmbeddingConfig selects the embedding backend. Empty provider
// disables vector search and the hybrid path degrades to keyword-only.
type EmbeddingConfig struct {
	Provider       string `yaml:"provider"` // "genai", "openai", "ollama" or ""
	GenAIAPIKey    string `yaml:"genai_api_key"`
	GenAIModel     string `yaml:"genai_model"`
	OpenAIAPIKey   string `yaml:"openai_api_key"`
	OpenAIModel    string `yaml:"openai_model"`
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`
}

// LLMConfig selects the completion backend used for compression and
// handoff prompts.
type LLMConfig struct {
	Provider        string `yaml:"provider"` // "anthropic", "openai", "genai"
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	AnthropicModel  string `yaml:"anthropic_model"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	OpenAIModel     string `yaml:"openai_model"`
	GenAIAPIKey     string `yaml:"genai_api_key"`
	GenAIModel      string `yaml:"genai_model"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dataDir := filepath.Join(home, ".ralphd")
	return &Config{
		DataDir:          dataDir,
		DatabasePath:     filepath.Join(dataDir, "ralphd.db"),
		ListenAddr:       "127.0.0.1:3033",
		DefaultMaxTokens: 200_000,
		Logging: LoggingConfig{
			Debug: false,
			Level: "info",
		},
		Embedding: EmbeddingConfig{
			GenAIModel:     "gemini-embedding-001",
			OpenAIModel:    "text-embedding-3-small",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
		},
		LLM: LLMConfig{
			Provider:       "anthropic",
			AnthropicModel: "claude-3-5-haiku-latest",
			OpenAIModel:    "gpt-4o-mini",
			GenAIModel:     "gemini-2.0-flash",
		},
	}
}

// Load reads the config file at path, merging over defaults. A missing
// file yields defaults; a malformed file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = filepath.Join(cfg.DataDir, "config.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv applies environment overrides on top of file values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("RALPHD_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("RALPHD_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("RALPHD_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Logging.Debug = b
		}
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && cfg.LLM.AnthropicAPIKey == "" {
		cfg.LLM.AnthropicAPIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		if cfg.LLM.OpenAIAPIKey == "" {
			cfg.LLM.OpenAIAPIKey = v
		}
		if cfg.Embedding.OpenAIAPIKey == "" {
			cfg.Embedding.OpenAIAPIKey = v
		}
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		if cfg.LLM.GenAIAPIKey == "" {
			cfg.LLM.GenAIAPIKey = v
		}
		if cfg.Embedding.GenAIAPIKey == "" {
			cfg.Embedding.GenAIAPIKey = v
		}
	}
}

// ArchiveDir is where completed-session archives are written.
func (c *Config) ArchiveDir() string {
	return filepath.Join(c.DataDir, "archives")
}
