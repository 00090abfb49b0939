// Package config loads the vault configuration from a JSON or TOML file,
// with ${VAR} and ${VAR:default} references resolved from the environment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/pelletier/go-toml/v2"

	"github.com/nidhogg/agentvault/internal/provider"
	"github.com/nidhogg/agentvault/internal/state"
)

// Environment overrides applied by Finalize.
const (
	EnvPort     = "AGENTVAULT_PORT"
	EnvLogLevel = "AGENTVAULT_LOG_LEVEL"
	EnvStateDir = "AGENTVAULT_STATE_DIR"
	EnvBackend  = "AGENTVAULT_BACKEND"
)

// Storage backends.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig      `json:"server" toml:"server"`
	State     StateConfig       `json:"state" toml:"state"`
	Defaults  state.Config      `json:"defaults" toml:"defaults"`
	Providers []provider.Config `json:"providers" toml:"providers"`
	Database  DatabaseConfig    `json:"database" toml:"database"`
	// ScriptsDir holds script tools offered to every agent by name.
	ScriptsDir string `json:"scripts_dir" toml:"scripts_dir"`
}

type ServerConfig struct {
	Port            int    `json:"port" toml:"port"`
	LogLevel        string `json:"log_level" toml:"log_level"`
	LogFormat       string `json:"log_format" toml:"log_format"`
	ShutdownTimeout string `json:"shutdown_timeout" toml:"shutdown_timeout"`
}

// StateConfig controls where agent state lives and how long agents stay
// resident.
type StateConfig struct {
	BaseDir            string `json:"base_dir" toml:"base_dir"`
	Backend            string `json:"backend" toml:"backend"`
	InlinePayloadLimit string `json:"inline_payload_limit" toml:"inline_payload_limit"`
	LockTimeout        string `json:"lock_timeout" toml:"lock_timeout"`
	IdleTimeout        string `json:"idle_timeout" toml:"idle_timeout"`
	EvictInterval      string `json:"evict_interval" toml:"evict_interval"`
	MaxResident        int    `json:"max_resident" toml:"max_resident"`
	Quarantine         *bool  `json:"quarantine,omitempty" toml:"quarantine,omitempty"`
	InstallTimeout     string `json:"install_timeout" toml:"install_timeout"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres" toml:"postgres"`
	Redis    RedisConfig    `json:"redis" toml:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn" toml:"dsn"`
}

type RedisConfig struct {
	URL    string `json:"url" toml:"url"`
	Stream string `json:"stream" toml:"stream"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a config file and substitutes environment variable references.
// Files ending in .toml are parsed as TOML, everything else as JSON. The
// result is not finalized.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	resolved := []byte(expand(string(data)))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(resolved, &cfg)
	} else {
		err = json.Unmarshal(resolved, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

func expand(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})
}

// Finalize applies defaults, loads environment overrides, and validates the
// configuration.
func (c *Config) Finalize() error {
	c.loadDefaults()
	if err := c.loadEnv(); err != nil {
		return err
	}
	return c.validate()
}

func (c *Config) loadDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 3210
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.LogFormat == "" {
		c.Server.LogFormat = "console"
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "30s"
	}

	s := &c.State
	if s.BaseDir == "" {
		s.BaseDir = "./data"
	}
	if s.Backend == "" {
		s.Backend = BackendFile
	}
	if s.InlinePayloadLimit == "" {
		s.InlinePayloadLimit = "64KB"
	}
	if s.LockTimeout == "" {
		s.LockTimeout = "10s"
	}
	if s.IdleTimeout == "" {
		s.IdleTimeout = "30m"
	}
	if s.EvictInterval == "" {
		s.EvictInterval = "1m"
	}
	if s.Quarantine == nil {
		on := true
		s.Quarantine = &on
	}
	if s.InstallTimeout == "" {
		s.InstallTimeout = "10m"
	}

	if c.Defaults.TimeoutSeconds == 0 {
		c.Defaults.TimeoutSeconds = 600
	}
	if c.Database.Redis.Stream == "" {
		c.Database.Redis.Stream = "agentvault:events"
	}
}

func (c *Config) loadEnv() error {
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Server.LogLevel = v
	}
	if v := os.Getenv(EnvStateDir); v != "" {
		c.State.BaseDir = v
	}
	if v := os.Getenv(EnvBackend); v != "" {
		c.State.Backend = v
	}
	return nil
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server: invalid port %d", c.Server.Port)
	}
	switch c.Server.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("server: invalid log_format %q", c.Server.LogFormat)
	}
	if _, err := time.ParseDuration(c.Server.ShutdownTimeout); err != nil {
		return fmt.Errorf("server: invalid shutdown_timeout: %w", err)
	}

	switch c.State.Backend {
	case BackendFile:
	case BackendPostgres:
		if c.Database.Postgres.DSN == "" {
			return fmt.Errorf("state: backend %q needs database.postgres.dsn", BackendPostgres)
		}
	default:
		return fmt.Errorf("state: unknown backend %q", c.State.Backend)
	}
	if _, err := units.RAMInBytes(c.State.InlinePayloadLimit); err != nil {
		return fmt.Errorf("state: invalid inline_payload_limit: %w", err)
	}
	for name, v := range map[string]string{
		"lock_timeout":    c.State.LockTimeout,
		"idle_timeout":    c.State.IdleTimeout,
		"evict_interval":  c.State.EvictInterval,
		"install_timeout": c.State.InstallTimeout,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("state: invalid %s: %w", name, err)
		}
	}
	if c.State.MaxResident < 0 {
		return fmt.Errorf("state: max_resident must not be negative")
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("providers[%d]: missing id", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

// InlineLimit returns the inline payload limit in bytes, with binary
// multiples so the default "64KB" matches state.DefaultInlineLimit.
func (s StateConfig) InlineLimit() int64 {
	n, _ := units.RAMInBytes(s.InlinePayloadLimit)
	return n
}

func (s StateConfig) LockTimeoutDuration() time.Duration    { return mustDuration(s.LockTimeout) }
func (s StateConfig) IdleTimeoutDuration() time.Duration    { return mustDuration(s.IdleTimeout) }
func (s StateConfig) EvictIntervalDuration() time.Duration  { return mustDuration(s.EvictInterval) }
func (s StateConfig) InstallTimeoutDuration() time.Duration { return mustDuration(s.InstallTimeout) }

// QuarantineEnabled reports whether corrupt documents are moved aside.
func (s StateConfig) QuarantineEnabled() bool {
	return s.Quarantine == nil || *s.Quarantine
}

// ShutdownTimeoutDuration parses and returns the shutdown timeout.
func (s ServerConfig) ShutdownTimeoutDuration() time.Duration {
	return mustDuration(s.ShutdownTimeout)
}

// mustDuration parses a duration validated by Finalize.
func mustDuration(v string) time.Duration {
	d, _ := time.ParseDuration(v)
	return d
}
