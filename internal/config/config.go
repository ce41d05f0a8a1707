// Package config holds the runtime configuration surface. Values are layered:
// defaults, then an optional fsbridge.yaml, then environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RetryConfig bounds the provider retry policy.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MinDelay    time.Duration `yaml:"min_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// PricingConfig sets the dollar rates used to estimate turn cost, expressed
// per million tokens. Zero rates treat the backend as free.
type PricingConfig struct {
	InputPerMTok  float64 `yaml:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok"`
}

// Config is the fully resolved configuration consumed by every component.
type Config struct {
	Root     string `yaml:"root"`
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	MaxReadBytes    int `yaml:"max_read_bytes"`
	MaxPayloadBytes int `yaml:"max_payload_bytes"`
	MaxOutputTokens int `yaml:"max_output_tokens"`

	MaxHistoryMessages int `yaml:"max_history_messages"`
	MaxToolRounds      int `yaml:"max_tool_rounds"`

	Retry RetryConfig `yaml:"retry"`

	Pricing PricingConfig `yaml:"pricing"`

	ContextTokenBudget int `yaml:"context_token_budget"`
	RetentionDays      int `yaml:"retention_days"`

	IgnoreGlobs []string `yaml:"ignore_globs"`

	AllowShell     bool          `yaml:"allow_shell"`
	CommandTimeout time.Duration `yaml:"command_timeout"`

	Stream     bool `yaml:"stream"`
	ReviewPass bool `yaml:"review_pass"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Root:               ".",
		Provider:           "anthropic",
		MaxReadBytes:       60_000,
		MaxPayloadBytes:    200_000,
		MaxOutputTokens:    1024,
		MaxHistoryMessages: 24,
		MaxToolRounds:      16,
		Retry: RetryConfig{
			MaxAttempts: 5,
			BaseDelay:   1500 * time.Millisecond,
			MinDelay:    500 * time.Millisecond,
			MaxDelay:    30 * time.Second,
		},
		Pricing: PricingConfig{
			InputPerMTok:  3.0,
			OutputPerMTok: 15.0,
		},
		ContextTokenBudget: 4000,
		RetentionDays:      30,
		IgnoreGlobs: []string{
			".git", "node_modules", "__pycache__", ".venv", "vendor",
			"*.bak-*", ".fsbridge",
		},
		AllowShell:     false,
		CommandTimeout: 30 * time.Second,
		Stream:         true,
		ReviewPass:     false,
	}
}

// Load resolves the configuration: defaults, then the YAML file at path (a
// missing file is fine), then environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envStr("WORKDIR", &cfg.Root)
	envStr("FSBRIDGE_ROOT", &cfg.Root)
	envStr("FSBRIDGE_PROVIDER", &cfg.Provider)
	envStr("FSBRIDGE_MODEL", &cfg.Model)

	envInt("MAX_BYTES_PER_READ", &cfg.MaxReadBytes)
	envInt("MAX_PAYLOAD_BYTES", &cfg.MaxPayloadBytes)
	envInt("MAX_OUTPUT_TOKENS", &cfg.MaxOutputTokens)
	envInt("MAX_HISTORY_MSGS", &cfg.MaxHistoryMessages)
	envInt("MAX_TOOL_ROUNDS", &cfg.MaxToolRounds)
	envInt("RETRY_MAX_ATTEMPTS", &cfg.Retry.MaxAttempts)
	envInt("CONTEXT_TOKEN_BUDGET", &cfg.ContextTokenBudget)
	envInt("RETENTION_DAYS", &cfg.RetentionDays)
	envFloat("COST_INPUT_PER_MTOK", &cfg.Pricing.InputPerMTok)
	envFloat("COST_OUTPUT_PER_MTOK", &cfg.Pricing.OutputPerMTok)

	if v := os.Getenv("IGNORE_GLOBS"); v != "" {
		var globs []string
		for _, g := range strings.Split(v, ",") {
			if g = strings.TrimSpace(g); g != "" {
				globs = append(globs, g)
			}
		}
		cfg.IgnoreGlobs = globs
	}

	envBool("ALLOW_SHELL", &cfg.AllowShell)
	envBool("STREAM_PARTIAL", &cfg.Stream)
	envBool("REVIEW_PASS", &cfg.ReviewPass)

	if v := os.Getenv("CMD_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.CommandTimeout = time.Duration(secs) * time.Second
		} else if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.CommandTimeout = d
		}
	}
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		}
	}
}
