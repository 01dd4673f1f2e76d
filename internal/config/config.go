package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the server configuration loaded from a YAML file. Every field
// can be overridden by command-line flags or PROXYMON_* environment
// variables in cmd/server.
//
// Example:
//
//	server:
//	  port: 8080
//	  api_token_hash: $2a$10$...
//	database:
//	  url: postgres://localhost:5432/proxymon?sslmode=disable
//	redis:
//	  url: redis://localhost:6379/0
//	device_api:
//	  url: https://devices.internal/api/v1
//	  token: dmg_xxx
//	audit:
//	  log_dir: /var/lib/proxymon/replace-logs
//	auto_replace:
//	  start_on_boot: false
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	DeviceAPI   DeviceAPIConfig   `yaml:"device_api"`
	Audit       AuditConfig       `yaml:"audit"`
	AutoReplace AutoReplaceConfig `yaml:"auto_replace"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`

	// APITokenHash is the bcrypt hash of the API bearer token. When empty,
	// authentication runs in grace period mode (logged but not enforced).
	APITokenHash string `yaml:"api_token_hash,omitempty"`
}

// DatabaseConfig holds relational store settings.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig holds response-cache settings. An empty URL disables the cache.
type RedisConfig struct {
	URL string `yaml:"url,omitempty"`
}

// DeviceAPIConfig holds the device-management API client settings.
type DeviceAPIConfig struct {
	URL     string   `yaml:"url"`
	Token   string   `yaml:"token,omitempty"`
	Timeout Duration `yaml:"timeout,omitempty"`
}

// AuditConfig holds replacement log storage settings.
type AuditConfig struct {
	LogDir string `yaml:"log_dir"`
}

// AutoReplaceConfig holds auto-replace worker settings.
type AutoReplaceConfig struct {
	Interval    Duration `yaml:"interval,omitempty"`
	StartOnBoot bool     `yaml:"start_on_boot,omitempty"`
}

// Duration wraps time.Duration so YAML values can be written as "30s"
// or "10m" instead of nanosecond integers.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML accepts duration strings and bare integers (nanoseconds).
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value")
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML writes the duration in its string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Load reads a YAML config file. Defaults are not applied here so
// callers can layer flag and environment overrides before calling
// ApplyDefaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return &cfg, nil
}

// Default returns a config populated with defaults only.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills in zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Audit.LogDir == "" {
		c.Audit.LogDir = "replace-logs"
	}
	if c.DeviceAPI.Timeout == 0 {
		c.DeviceAPI.Timeout = Duration(DeviceAPITimeout)
	}
	if c.AutoReplace.Interval == 0 {
		c.AutoReplace.Interval = Duration(AutoReplaceInterval)
	}
}
