// ABOUTME: Configuration loading and parsing for converse-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete converse-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Model    ModelConfig    `yaml:"model"`
	Tools    ToolsConfig    `yaml:"tools"`
	Session  SessionConfig  `yaml:"session"`
	Memory   MemoryConfig   `yaml:"memory"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// ModelConfig holds the upstream completion provider configuration
type ModelConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Name    string        `yaml:"name"`
	Timeout time.Duration `yaml:"-"`

	TimeoutRaw string `yaml:"timeout"`
}

// ToolsConfig holds tool server discovery and invocation timing
type ToolsConfig struct {
	InvokeTimeout    time.Duration `yaml:"-"`
	DiscoveryTimeout time.Duration `yaml:"-"`
	DiscoveryTTL     time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	InvokeTimeoutRaw    string `yaml:"invoke_timeout"`
	DiscoveryTimeoutRaw string `yaml:"discovery_timeout"`
	DiscoveryTTLRaw     string `yaml:"discovery_ttl"`
}

// SessionConfig holds real-time session tuning
type SessionConfig struct {
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectBaseDelay   time.Duration `yaml:"-"`
	ReconnectMaxDelay    time.Duration `yaml:"-"`

	ReconnectBaseDelayRaw string `yaml:"reconnect_base_delay"`
	ReconnectMaxDelayRaw  string `yaml:"reconnect_max_delay"`
}

// MemoryConfig holds conversational memory tuning
type MemoryConfig struct {
	// SummaryWindow is the number of raw turns kept verbatim by the
	// rolling-summary strategy before older turns are folded into the summary.
	SummaryWindow int `yaml:"summary_window"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when fields are omitted from the config file.
const (
	DefaultInvokeTimeout        = 10 * time.Second
	DefaultDiscoveryTimeout     = 5 * time.Second
	DefaultDiscoveryTTL         = 60 * time.Second
	DefaultModelTimeout         = 30 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectBaseDelay   = 500 * time.Millisecond
	DefaultReconnectMaxDelay    = 8 * time.Second
	DefaultSummaryWindow        = 6
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	if c.Model.BaseURL == "" {
		return fmt.Errorf("model.base_url is required")
	}

	if c.Model.Name == "" {
		return fmt.Errorf("model.name is required")
	}

	if c.Memory.SummaryWindow < 1 {
		return fmt.Errorf("memory.summary_window must be at least 1")
	}

	if c.Session.MaxReconnectAttempts < 1 {
		return fmt.Errorf("session.max_reconnect_attempts must be at least 1")
	}

	return nil
}

// applyDefaults fills zero-valued tuning fields with their defaults
func (c *Config) applyDefaults() {
	if c.Tools.InvokeTimeout == 0 {
		c.Tools.InvokeTimeout = DefaultInvokeTimeout
	}
	if c.Tools.DiscoveryTimeout == 0 {
		c.Tools.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if c.Tools.DiscoveryTTL == 0 {
		c.Tools.DiscoveryTTL = DefaultDiscoveryTTL
	}
	if c.Model.Timeout == 0 {
		c.Model.Timeout = DefaultModelTimeout
	}
	if c.Session.MaxReconnectAttempts == 0 {
		c.Session.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.Session.ReconnectBaseDelay == 0 {
		c.Session.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Session.ReconnectMaxDelay == 0 {
		c.Session.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Memory.SummaryWindow == 0 {
		c.Memory.SummaryWindow = DefaultSummaryWindow
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Model.TimeoutRaw, &cfg.Model.Timeout, "model.timeout"},
		{cfg.Tools.InvokeTimeoutRaw, &cfg.Tools.InvokeTimeout, "tools.invoke_timeout"},
		{cfg.Tools.DiscoveryTimeoutRaw, &cfg.Tools.DiscoveryTimeout, "tools.discovery_timeout"},
		{cfg.Tools.DiscoveryTTLRaw, &cfg.Tools.DiscoveryTTL, "tools.discovery_ttl"},
		{cfg.Session.ReconnectBaseDelayRaw, &cfg.Session.ReconnectBaseDelay, "session.reconnect_base_delay"},
		{cfg.Session.ReconnectMaxDelayRaw, &cfg.Session.ReconnectMaxDelay, "session.reconnect_max_delay"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
