// Package config loads drover's YAML configuration, layered as defaults,
// then config.yaml, then environment overrides. Prompt text files are
// loaded alongside so the execution graph can compose system prompts
// without touching the filesystem per attempt.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderConfig holds per-provider model backend settings.
type ProviderConfig struct {
	APIKey  string   `yaml:"api_key"`
	BaseURL string   `yaml:"base_url"`
	Models  []string `yaml:"models"`
}

// LLMConfig selects the model backend used for agent execution.
type LLMConfig struct {
	// Provider names the active backend: "google", "anthropic", "openai".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// AgentConfigEntry defines a named agent registered at startup.
type AgentConfigEntry struct {
	AgentID      string   `yaml:"agent_id"`
	DisplayName  string   `yaml:"display_name"`
	Provider     string   `yaml:"provider"`
	Model        string   `yaml:"model"`
	APIKeyEnv    string   `yaml:"api_key_env"`
	Persona      string   `yaml:"persona"`
	PersonaFile  string   `yaml:"persona_file"`
	Instructions string   `yaml:"instructions"`
	Skills       []string `yaml:"skills"`
}

// QueueConfig tunes the retry, stall, and execution budgets.
type QueueConfig struct {
	// MaxAttempts and RetryBackoffSec are the per-task defaults; tasks
	// may override both at creation time.
	MaxAttempts     int `yaml:"max_attempts"`
	RetryBackoffSec int `yaml:"retry_backoff_sec"`

	// StallTimeoutMinutes marks a running task as stalled when no
	// progress is recorded for this long.
	StallTimeoutMinutes int `yaml:"stall_timeout_minutes"`

	// SweepIntervalMinutes controls the periodic stall and audit sweeps.
	SweepIntervalMinutes int `yaml:"sweep_interval_minutes"`

	// RuntimeLimitSeconds caps one attempt's wall clock. 0 = unlimited.
	RuntimeLimitSeconds int `yaml:"runtime_limit_seconds"`

	// RecursionLimit bounds graph steps per attempt.
	RecursionLimit int `yaml:"recursion_limit"`

	// DelegationFallbackBudget is how many times the router may steer
	// the agent to re-plan after a failed delegation.
	DelegationFallbackBudget int `yaml:"delegation_fallback_budget"`

	// RetentionTaskEventsDays prunes old audit events for terminal
	// tasks. 0 keeps them forever.
	RetentionTaskEventsDays int `yaml:"retention_task_events_days"`
}

// TelemetryConfig controls the OpenTelemetry pipeline. Disabled by
// default; exporters are "otlp-http", "stdout", or "none".
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// GatewayConfig tunes the HTTP and websocket surface.
type GatewayConfig struct {
	// AuthToken gates every endpoint except the health check when set.
	AuthToken string `yaml:"auth_token"`

	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
	RateLimitBurst     int `yaml:"rate_limit_burst"`

	// MaxBodyBytes caps request bodies. 0 uses the 1 MiB default.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	LLM       LLMConfig                 `yaml:"llm"`
	Providers map[string]ProviderConfig `yaml:"providers"`

	Queue     QueueConfig     `yaml:"queue"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Secrets maps a service name to a value for the get-secret tool.
	// Environment variables win when the value starts with "env:".
	Secrets map[string]string `yaml:"secrets"`

	Agents []AgentConfigEntry `yaml:"agents"`

	// GlobalPrompt is loaded from PROMPT.md and prefixes every system
	// prompt the execution graph composes.
	GlobalPrompt string `yaml:"-"`

	// AllowOrigins controls which Origin headers the gateway accepts
	// for browser websocket connections. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// PolicyPath returns the path to the capability policy file.
func PolicyPath(homeDir string) string {
	return filepath.Join(homeDir, "policy.yaml")
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18790",
		LogLevel: "info",
		LLM: LLMConfig{
			Provider: "google",
			Model:    "gemini-2.5-flash",
		},
		Queue: QueueConfig{
			MaxAttempts:              3,
			RetryBackoffSec:          30,
			StallTimeoutMinutes:      30,
			SweepIntervalMinutes:     5,
			RuntimeLimitSeconds:      int((10 * time.Minute).Seconds()),
			RecursionLimit:           25,
			DelegationFallbackBudget: 2,
			RetentionTaskEventsDays:  90,
		},
		Gateway: GatewayConfig{
			RateLimitPerMinute: 120,
			RateLimitBurst:     20,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("DROVER_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".drover")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create drover home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	loadTextFiles(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gemini-2.5-flash"
	}
	if cfg.Queue.MaxAttempts <= 0 {
		cfg.Queue.MaxAttempts = 3
	}
	if cfg.Queue.RetryBackoffSec <= 0 {
		cfg.Queue.RetryBackoffSec = 30
	}
	if cfg.Queue.StallTimeoutMinutes <= 0 {
		cfg.Queue.StallTimeoutMinutes = 30
	}
	if cfg.Queue.SweepIntervalMinutes <= 0 {
		cfg.Queue.SweepIntervalMinutes = 5
	}
	if cfg.Queue.RecursionLimit <= 0 {
		cfg.Queue.RecursionLimit = 25
	}
	if cfg.Queue.DelegationFallbackBudget < 0 {
		cfg.Queue.DelegationFallbackBudget = 2
	}
	if cfg.Gateway.RateLimitPerMinute <= 0 {
		cfg.Gateway.RateLimitPerMinute = 120
	}
	if cfg.Gateway.RateLimitBurst <= 0 {
		cfg.Gateway.RateLimitBurst = 20
	}
	for i := range cfg.Agents {
		if cfg.Agents[i].Provider == "" {
			cfg.Agents[i].Provider = cfg.LLM.Provider
		}
		if cfg.Agents[i].Model == "" {
			cfg.Agents[i].Model = cfg.LLM.Model
		}
	}
}

// ProviderAPIKey returns the API key for the given provider, checking env
// overrides first.
func (c Config) ProviderAPIKey(provider string) string {
	envMap := map[string]string{
		"google":    "GEMINI_API_KEY",
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.Providers != nil {
		if p, ok := c.Providers[provider]; ok {
			return p.APIKey
		}
	}
	return ""
}

// ResolveLLMConfig returns the effective backend selection.
func (c Config) ResolveLLMConfig() (provider, model, apiKey string) {
	provider = c.LLM.Provider
	model = c.LLM.Model
	apiKey = c.ProviderAPIKey(provider)
	return provider, model, apiKey
}

// StallTimeout returns the stall sweep cutoff as a duration.
func (c Config) StallTimeout() time.Duration {
	return time.Duration(c.Queue.StallTimeoutMinutes) * time.Minute
}

// SweepInterval returns the periodic sweep cadence as a duration.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.Queue.SweepIntervalMinutes) * time.Minute
}

// RuntimeLimit returns the per-attempt wall clock budget, 0 = unlimited.
func (c Config) RuntimeLimit() time.Duration {
	return time.Duration(c.Queue.RuntimeLimitSeconds) * time.Second
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("DROVER_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("DROVER_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("DROVER_MAX_ATTEMPTS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Queue.MaxAttempts = v
		}
	}
	if raw := os.Getenv("DROVER_RETRY_BACKOFF_SEC"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Queue.RetryBackoffSec = v
		}
	}
	if raw := os.Getenv("DROVER_STALL_TIMEOUT_MINUTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Queue.StallTimeoutMinutes = v
		}
	}
	if raw := os.Getenv("DROVER_RUNTIME_LIMIT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Queue.RuntimeLimitSeconds = v
		}
	}
	if raw := os.Getenv("DROVER_RECURSION_LIMIT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Queue.RecursionLimit = v
		}
	}
	if raw := os.Getenv("DROVER_AUTH_TOKEN"); raw != "" {
		cfg.Gateway.AuthToken = raw
	}
	if raw := os.Getenv("GEMINI_API_KEY"); raw != "" {
		if cfg.Providers == nil {
			cfg.Providers = make(map[string]ProviderConfig)
		}
		p := cfg.Providers["google"]
		p.APIKey = raw
		cfg.Providers["google"] = p
	}
}

func loadTextFiles(cfg *Config) {
	promptPath := filepath.Join(cfg.HomeDir, "PROMPT.md")
	if b, err := os.ReadFile(promptPath); err == nil {
		cfg.GlobalPrompt = string(b)
	}
}

// Fingerprint returns a stable hash of the active config, logged at boot
// so a support bundle can tell which settings were live.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|provider=%s|model=%s|attempts=%d|backoff=%d|recursion=%d",
		c.BindAddr, c.LogLevel, c.LLM.Provider, c.LLM.Model,
		c.Queue.MaxAttempts, c.Queue.RetryBackoffSec, c.Queue.RecursionLimit)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
