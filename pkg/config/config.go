// Package config loads application configuration from defaults, an optional
// YAML file and VERDICT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/zen-systems/verdict/pkg/adapter"
)

// Backend roles used by stage manifests.
const (
	RoleVision    = "vision"
	RoleReasoning = "reasoning"
	RoleText      = "text"
	RoleFormatter = "formatter"
)

// KnownAdapters lists the adapter names a target may reference.
var KnownAdapters = []string{"anthropic", "openai", "google", "deepseek", "ollama", "mock"}

// Config holds the application configuration. API keys come from the
// environment only.
type Config struct {
	AnthropicAPIKey string `mapstructure:"-"`
	OpenAIAPIKey    string `mapstructure:"-"`
	GoogleAPIKey    string `mapstructure:"-"`
	DeepSeekAPIKey  string `mapstructure:"-"`
	ConfigDir       string `mapstructure:"-"`
	// ConfigFile is the file actually read, empty when none was found.
	ConfigFile string `mapstructure:"-"`

	Ollama      OllamaConfig      `mapstructure:"ollama"`
	Backends    BackendsConfig    `mapstructure:"backends"`
	Aliases     map[string]string `mapstructure:"aliases"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Fallback    FallbackConfig    `mapstructure:"fallback"`
	Policy      PolicyConfig      `mapstructure:"policy"`
	PubMed      PubMedConfig      `mapstructure:"pubmed"`
	EvidenceDir string            `mapstructure:"evidence_dir"`
	Log         LogConfig         `mapstructure:"log"`
}

// OllamaConfig points at the local model server.
type OllamaConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	NumPredict int    `mapstructure:"num_predict"`
}

// BackendsConfig maps each role to an adapter and model.
type BackendsConfig struct {
	Vision    adapter.Target `mapstructure:"vision"`
	Reasoning adapter.Target `mapstructure:"reasoning"`
	Text      adapter.Target `mapstructure:"text"`
	Formatter adapter.Target `mapstructure:"formatter"`
}

// RetryConfig defines retry and backoff behavior.
type RetryConfig struct {
	MaxRetries    int `mapstructure:"max_retries"`
	BaseBackoffMs int `mapstructure:"base_backoff_ms"`
	MaxBackoffMs  int `mapstructure:"max_backoff_ms"`
}

// FallbackConfig defines adapter/model fallbacks, keyed by "adapter/model"
// or adapter name.
type FallbackConfig struct {
	AllowFallback bool                        `mapstructure:"allow_fallback"`
	Chain         map[string][]adapter.Target `mapstructure:"chain"`
}

// PolicyConfig holds the pipeline heuristics.
type PolicyConfig struct {
	SearchBudget          int           `mapstructure:"search_budget"`
	AcceptUnmatchedWinner bool          `mapstructure:"accept_unmatched_winner"`
	StageTimeout          time.Duration `mapstructure:"stage_timeout"`
	FormatterTimeout      time.Duration `mapstructure:"formatter_timeout"`
}

// PubMedConfig configures the literature search client.
type PubMedConfig struct {
	Email      string `mapstructure:"email"`
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	MaxResults int    `mapstructure:"max_results"`
	MinYear    int    `mapstructure:"min_year"`
}

// LogConfig selects the log level.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ollama.base_url", "http://localhost:11434")
	v.SetDefault("ollama.num_predict", 3000)

	v.SetDefault("backends.vision.adapter", "ollama")
	v.SetDefault("backends.vision.model", "medgemma")
	v.SetDefault("backends.reasoning.adapter", "ollama")
	v.SetDefault("backends.reasoning.model", "qwen")
	v.SetDefault("backends.text.adapter", "ollama")
	v.SetDefault("backends.text.model", "qwen")
	v.SetDefault("backends.formatter.adapter", "ollama")
	v.SetDefault("backends.formatter.model", "qwen")
	v.SetDefault("aliases", DefaultAliases())

	v.SetDefault("retry.max_retries", 2)
	v.SetDefault("retry.base_backoff_ms", 200)
	v.SetDefault("retry.max_backoff_ms", 2000)
	v.SetDefault("fallback.allow_fallback", false)
	v.SetDefault("fallback.chain", map[string]any{})

	v.SetDefault("policy.search_budget", 2)
	v.SetDefault("policy.accept_unmatched_winner", true)
	v.SetDefault("policy.stage_timeout", "6m")
	v.SetDefault("policy.formatter_timeout", "3m")

	v.SetDefault("pubmed.email", "")
	v.SetDefault("pubmed.api_key", "")
	v.SetDefault("pubmed.base_url", "https://eutils.ncbi.nlm.nih.gov/entrez/eutils")
	v.SetDefault("pubmed.max_results", 5)
	v.SetDefault("pubmed.min_year", 2015)

	v.SetDefault("evidence_dir", filepath.Join(".verdict", "runs"))
	v.SetDefault("log.level", "info")
}

// Load reads configuration. When path is empty, config.yaml in ConfigDir is
// used if present. Environment variables (VERDICT_POLICY_SEARCH_BUDGET and
// so on) take precedence over the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	dir := ConfigDir()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(dir)
	}

	v.SetEnvPrefix("VERDICT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.ConfigDir = dir
	cfg.ConfigFile = v.ConfigFileUsed()
	cfg.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	cfg.GoogleAPIKey = os.Getenv("GOOGLE_API_KEY")
	cfg.DeepSeekAPIKey = os.Getenv("DEEPSEEK_API_KEY")

	cfg.resolveAliases()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConfigDir returns $HOME/.verdict, or .verdict when no home is known.
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".verdict"
	}
	return filepath.Join(home, ".verdict")
}

// Validate rejects negative budgets and timeouts, unknown adapters and bad
// log levels.
func (c *Config) Validate() error {
	if c.Policy.SearchBudget < 0 {
		return fmt.Errorf("policy.search_budget must not be negative")
	}
	if c.Policy.StageTimeout < 0 || c.Policy.FormatterTimeout < 0 {
		return fmt.Errorf("policy timeouts must not be negative")
	}
	if c.Retry.MaxRetries < 0 || c.Retry.BaseBackoffMs < 0 || c.Retry.MaxBackoffMs < 0 {
		return fmt.Errorf("retry settings must not be negative")
	}
	for role, t := range c.Targets() {
		if err := checkTarget(t); err != nil {
			return fmt.Errorf("backends.%s: %w", role, err)
		}
	}
	for key, chain := range c.Fallback.Chain {
		for _, t := range chain {
			if err := checkTarget(t); err != nil {
				return fmt.Errorf("fallback.chain[%s]: %w", key, err)
			}
		}
	}
	if _, err := c.Log.ZapLevel(); err != nil {
		return err
	}
	return nil
}

func checkTarget(t adapter.Target) error {
	if t.Model == "" {
		return fmt.Errorf("model is required")
	}
	for _, known := range KnownAdapters {
		if t.Adapter == known {
			return nil
		}
	}
	return fmt.Errorf("unknown adapter %q", t.Adapter)
}

// Targets returns the backend target for every role.
func (c *Config) Targets() map[string]adapter.Target {
	return map[string]adapter.Target{
		RoleVision:    c.Backends.Vision,
		RoleReasoning: c.Backends.Reasoning,
		RoleText:      c.Backends.Text,
		RoleFormatter: c.Backends.Formatter,
	}
}

// Target returns the backend for a role.
func (c *Config) Target(role string) (adapter.Target, bool) {
	t, ok := c.Targets()[role]
	return t, ok
}

// CallPolicy converts the retry and fallback settings for adapter.Call.
func (c *Config) CallPolicy() adapter.Policy {
	base := time.Duration(c.Retry.BaseBackoffMs) * time.Millisecond
	maxBackoff := time.Duration(c.Retry.MaxBackoffMs) * time.Millisecond
	if maxBackoff < base {
		maxBackoff = base
	}
	return adapter.Policy{
		Retry: adapter.RetryConfig{
			MaxRetries:  c.Retry.MaxRetries,
			BaseBackoff: base,
			MaxBackoff:  maxBackoff,
		},
		AllowFallback: c.Fallback.AllowFallback,
		Fallback:      c.Fallback.Chain,
	}
}

// HasAdapter reports whether the adapter can be constructed.
func (c *Config) HasAdapter(name string) bool {
	switch name {
	case "anthropic":
		return c.AnthropicAPIKey != ""
	case "openai":
		return c.OpenAIAPIKey != ""
	case "google":
		return c.GoogleAPIKey != ""
	case "deepseek":
		return c.DeepSeekAPIKey != ""
	case "ollama", "mock":
		return true
	default:
		return false
	}
}

// ZapLevel parses the configured level.
func (l LogConfig) ZapLevel() (zapcore.Level, error) {
	lvl, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}
