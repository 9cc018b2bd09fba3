// Package config loads and validates the drudge configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/tailscale/hujson"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Load reads a JSONC config file, strips comments, expands ${{ .Env.VAR }}
// templates, unmarshals it into Config, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variable templates before standardizing, since
	// templates live inside string values.
	expanded := expandEnvTemplates(string(data))

	std, err := hujson.Standardize([]byte(expanded))
	if err != nil {
		return nil, fmt.Errorf("standardize config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(std, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a Config with all defaults applied, for running without a
// config file.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

// applyDefaults fills in zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 18515
	}
	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 1024
	}
	if cfg.Tasks.MaxConcurrent <= 0 {
		cfg.Tasks.MaxConcurrent = 3
	}
	if cfg.Tasks.MaxCost <= 0 {
		cfg.Tasks.MaxCost = 5.0
	}
	if cfg.Tasks.MaxRetries == nil {
		retries := 2
		cfg.Tasks.MaxRetries = &retries
	} else if *cfg.Tasks.MaxRetries < 0 {
		*cfg.Tasks.MaxRetries = 0
	}
	if cfg.Tasks.RetryBackoff.Duration() == 0 {
		cfg.Tasks.RetryBackoff = Duration(30 * time.Second)
	}
	if cfg.Tasks.HeartbeatInterval.Duration() == 0 {
		cfg.Tasks.HeartbeatInterval = Duration(60 * time.Second)
	}
	if cfg.Tasks.IdleTimeout.Duration() == 0 {
		cfg.Tasks.IdleTimeout = Duration(5 * time.Minute)
	}
	if cfg.Tasks.MaxDuration.Duration() == 0 {
		cfg.Tasks.MaxDuration = Duration(2 * time.Hour)
	}
	if cfg.Backend.Driver == "" {
		cfg.Backend.Driver = "cli"
	}
	if cfg.Backend.Command == "" {
		cfg.Backend.Command = "claude -p --output-format stream-json"
	}
	if cfg.Backend.CostPerKiloTokens == 0 {
		cfg.Backend.CostPerKiloTokens = 0.015
	}
}
