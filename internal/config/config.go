// ABOUTME: Configuration loading and parsing for whatsapp-hook
// ABOUTME: YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete whatsapp-hook configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Relay     RelayConfig     `yaml:"relay"`
	Auth      AuthConfig      `yaml:"auth"`
	Database  DatabaseConfig  `yaml:"database"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the HTTP listener address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// GatewayConfig locates the agent gateway and carries its bearer token.
// An empty token means an anonymous connect attempt; authorization is the
// gateway's call, not ours.
type GatewayConfig struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	Token string `yaml:"token"`
}

// WebhookConfig holds the Meta webhook credentials. VerifyToken answers the
// subscription handshake; AppSecret, if set, enables payload signature checks.
type WebhookConfig struct {
	VerifyToken string `yaml:"verify_token"`
	AppSecret   string `yaml:"app_secret"`
}

// RelayConfig holds session timing overrides
type RelayConfig struct {
	SessionTimeout time.Duration `yaml:"-"`
	Linger         time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	SessionTimeoutRaw string `yaml:"session_timeout"`
	LingerRaw         string `yaml:"linger"`
}

// AuthConfig holds authentication configuration for the ops endpoints
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// DatabaseConfig holds the relay attempt log location. An empty path
// disables the attempt log.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	Funnel    bool   `yaml:"funnel"` // Public HTTPS; Meta requires this unless fronted elsewhere
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment
// variable values. Unset variables expand to an empty string.
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
	if c.Gateway.Host == "" {
		return fmt.Errorf("gateway.host is required")
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port must be between 1 and 65535, got %d", c.Gateway.Port)
	}

	if c.Webhook.VerifyToken == "" {
		return fmt.Errorf("webhook.verify_token is required")
	}

	// The HTTP address is required unless Tailscale provides the listener
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Relay.SessionTimeoutRaw != "" {
		cfg.Relay.SessionTimeout, err = time.ParseDuration(cfg.Relay.SessionTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing session_timeout %q: %w", cfg.Relay.SessionTimeoutRaw, err)
		}
	}

	if cfg.Relay.LingerRaw != "" {
		cfg.Relay.Linger, err = time.ParseDuration(cfg.Relay.LingerRaw)
		if err != nil {
			return fmt.Errorf("parsing linger %q: %w", cfg.Relay.LingerRaw, err)
		}
	}

	return nil
}
