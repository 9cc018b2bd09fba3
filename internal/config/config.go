package config

import "time"

// Config is the root configuration for drudge.
type Config struct {
	Gateway    GatewayConfig    `json:"gateway"`
	Events     EventsConfig     `json:"events"`
	Tasks      TasksConfig      `json:"tasks"`
	Models     ModelsConfig     `json:"models"`
	Backend    BackendConfig    `json:"backend"`
	Workspaces WorkspacesConfig `json:"workspaces"`
}

// GatewayConfig holds the gateway server settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	BufferSize int `json:"buffer_size"`
}

// TasksConfig holds orchestration limits and heartbeat settings.
type TasksConfig struct {
	MaxConcurrent int     `json:"max_concurrent"`
	MaxCost       float64 `json:"max_cost"`
	// MaxRetries is the number of transient-failure retries per task.
	// An explicit 0 disables retries; omitting the field selects the default.
	MaxRetries        *int     `json:"max_retries,omitempty"`
	RetryBackoff      Duration `json:"retry_backoff"`
	HeartbeatInterval Duration `json:"heartbeat_interval"`
	IdleTimeout       Duration `json:"idle_timeout"`
	MaxDuration       Duration `json:"max_duration"`
	StageRulesFile    string   `json:"stage_rules_file,omitempty"`
}

// Retries returns the effective retry count, treating unset or negative
// values as zero.
func (c TasksConfig) Retries() int {
	if c.MaxRetries == nil || *c.MaxRetries < 0 {
		return 0
	}
	return *c.MaxRetries
}

// ModelsConfig holds model provider configuration.
type ModelsConfig struct {
	Default   string                    `json:"default"`
	Providers map[string]ProviderConfig `json:"providers"`
}

// ProviderConfig configures a single LLM provider.
type ProviderConfig struct {
	Driver    string         `json:"driver"` // "anthropic", "openai", "ollama", "gemini"
	Model     string         `json:"model"`
	BaseURL   string         `json:"base_url,omitempty"`
	Auth      AuthConfig     `json:"auth"`
	MaxTokens int            `json:"max_tokens,omitempty"`
	Timeout   Duration       `json:"timeout,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// AuthConfig configures credential resolution for a provider.
// Values may be plain, ${VAR} env references, or ENC[age:...] blobs.
type AuthConfig struct {
	APIKey string `json:"api_key,omitempty"`
	Token  string `json:"token,omitempty"`
}

// BackendConfig selects and configures the execution backend.
type BackendConfig struct {
	Driver   string `json:"driver"`             // "cli" | "model"
	Command  string `json:"command,omitempty"`  // cli: agent command, prompt appended
	Provider string `json:"provider,omitempty"` // model: provider name (default: models.default)
	// model: dollars charged per 1k tokens when the provider reports usage
	CostPerKiloTokens float64 `json:"cost_per_kilo_tokens,omitempty"`
}

// WorkspacesConfig restricts which scope paths may run tasks.
type WorkspacesConfig struct {
	Allow []string `json:"allow,omitempty"` // doublestar globs; empty = allow all
}

// Duration wraps time.Duration for JSON unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	// Remove quotes
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}
