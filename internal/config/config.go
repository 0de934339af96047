// ABOUTME: Configuration loading and parsing for coven-relay
// ABOUTME: YAML files with .env loading, environment variable expansion, duration parsing and defaults

package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environments recognised by the relay. Only production skips the local
// store container.
const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
	EnvTest        = "test"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// Config represents the complete coven-relay configuration
type Config struct {
	Environment string         `yaml:"environment"`
	Logging     LoggingConfig  `yaml:"logging"`
	Store       StoreConfig    `yaml:"store"`
	Local       LocalConfig    `yaml:"local"`
	Agents      AgentsConfig   `yaml:"agents"`
	Shutdown    ShutdownConfig `yaml:"shutdown"`
	Server      ServerConfig   `yaml:"server"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StoreConfig addresses the record store
type StoreConfig struct {
	Driver    string `yaml:"driver"`
	Path      string `yaml:"path"` // sqlite only
	URL       string `yaml:"url"`
	Namespace string `yaml:"namespace"`
	Database  string `yaml:"database"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// LocalConfig describes the store container started outside production
type LocalConfig struct {
	Disabled       bool              `yaml:"disabled"`
	Image          string            `yaml:"image"`
	Tag            string            `yaml:"tag"`
	ContainerName  string            `yaml:"container_name"`
	Port           int               `yaml:"port"`
	Platform       string            `yaml:"platform"`
	Env            map[string]string `yaml:"env"`
	HealthAttempts int               `yaml:"health_attempts"`

	HealthTimeout    time.Duration `yaml:"-"`
	HealthTimeoutRaw string        `yaml:"health_timeout"`
}

// AgentsConfig holds the agent set and its timing
type AgentsConfig struct {
	Names   []string `yaml:"names"`
	History bool     `yaml:"history"`

	ReadinessTimeout time.Duration `yaml:"-"`
	GracePeriod      time.Duration `yaml:"-"`
	DedupeTTL        time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ReadinessTimeoutRaw string `yaml:"readiness_timeout"`
	GracePeriodRaw      string `yaml:"grace_period"`
	DedupeTTLRaw        string `yaml:"dedupe_ttl"`
}

// ShutdownConfig bounds graceful shutdown
type ShutdownConfig struct {
	Timeout    time.Duration `yaml:"-"`
	StoreDrain time.Duration `yaml:"-"`

	TimeoutRaw    string `yaml:"timeout"`
	StoreDrainRaw string `yaml:"store_drain"`
}

// ServerConfig holds the optional status server address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// Default returns a configuration with every default applied: a
// development SQLite relay for alice and bob.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// A .env file in the working directory is loaded first when present.
// Environment variables in the format ${VAR_NAME} are expanded.
// An empty path yields the defaults with environment overrides applied.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		expandedData := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func applyEnvOverrides(cfg *Config) {
	if env := os.Getenv("COVEN_RELAY_ENV"); env != "" {
		cfg.Environment = env
	}
	if names := os.Getenv("COVEN_RELAY_AGENTS"); names != "" {
		cfg.Agents.Names = SplitNames(names)
	}
}

// SplitNames parses a comma-separated agent list, dropping blanks.
func SplitNames(s string) []string {
	var names []string
	for _, name := range strings.Split(s, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

func applyDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = EnvDevelopment
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DriverSQLite
	}
	if cfg.Store.Driver == DriverSQLite && cfg.Store.Path == "" {
		cfg.Store.Path = "./data/coven-relay.db"
	}
	if cfg.Store.Namespace == "" {
		cfg.Store.Namespace = "relay"
	}

	if len(cfg.Agents.Names) == 0 {
		cfg.Agents.Names = []string{"alice", "bob"}
	}
	if cfg.Agents.ReadinessTimeout == 0 {
		cfg.Agents.ReadinessTimeout = 30 * time.Second
	}
	if cfg.Agents.GracePeriod == 0 {
		cfg.Agents.GracePeriod = 200 * time.Millisecond
	}
	if cfg.Agents.DedupeTTL == 0 {
		cfg.Agents.DedupeTTL = 5 * time.Minute
	}

	if cfg.Shutdown.Timeout == 0 {
		cfg.Shutdown.Timeout = 4 * time.Second
	}
	if cfg.Shutdown.StoreDrain == 0 {
		cfg.Shutdown.StoreDrain = 2 * time.Second
	}

	applyLocalDefaults(cfg)
}

func applyLocalDefaults(cfg *Config) {
	l := &cfg.Local
	if l.HealthAttempts == 0 {
		l.HealthAttempts = 25
	}
	if l.HealthTimeout == 0 {
		l.HealthTimeout = 30 * time.Second
	}
	if l.ContainerName == "" {
		l.ContainerName = "coven-relay-store"
	}

	switch cfg.Store.Driver {
	case DriverRedis:
		if l.Image == "" {
			l.Image = "redis"
		}
		if l.Tag == "" {
			l.Tag = "7-alpine"
		}
		if l.Port == 0 {
			l.Port = 6379
		}
		if cfg.UseLocalStore() && cfg.Store.URL == "" {
			cfg.Store.URL = fmt.Sprintf("redis://localhost:%d/0", l.Port)
		}
	case DriverPostgres:
		if l.Image == "" {
			l.Image = "postgres"
		}
		if l.Tag == "" {
			l.Tag = "16-alpine"
		}
		if l.Port == 0 {
			l.Port = 5432
		}
		password := cfg.Store.Password
		if password == "" {
			password = "relay"
		}
		if l.Env == nil {
			l.Env = map[string]string{}
		}
		if _, ok := l.Env["POSTGRES_PASSWORD"]; !ok {
			l.Env["POSTGRES_PASSWORD"] = password
		}
		if cfg.UseLocalStore() && cfg.Store.URL == "" {
			cfg.Store.URL = fmt.Sprintf("postgres://postgres:%s@localhost:%d/postgres?sslmode=disable", password, l.Port)
		}
	}
}

// IsProduction reports whether the relay runs against an externally
// managed store.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// UseLocalStore reports whether a store container should be started.
// SQLite needs no container.
func (c *Config) UseLocalStore() bool {
	return !c.IsProduction() && !c.Local.Disabled && c.Store.Driver != DriverSQLite
}

// LocalImage returns the image reference for the local store container.
func (c *Config) LocalImage() string {
	if c.Local.Tag == "" {
		return c.Local.Image
	}
	return c.Local.Image + ":" + c.Local.Tag
}

// Validate checks that all required configuration fields are present and valid.
// Returns every validation failure joined.
func (c *Config) Validate() error {
	var errs []error

	switch c.Environment {
	case EnvProduction, EnvDevelopment, EnvTest:
	default:
		errs = append(errs, fmt.Errorf("environment %q must be production, development or test", c.Environment))
	}

	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for sqlite"))
		}
	case DriverRedis, DriverPostgres:
		if c.Store.URL == "" {
			errs = append(errs, fmt.Errorf("store.url is required for %s", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q must be sqlite, redis or postgres", c.Store.Driver))
	}

	seen := make(map[string]bool, len(c.Agents.Names))
	for _, name := range c.Agents.Names {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, errors.New("agents.names must not contain empty names"))
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("agents.names contains %q more than once", name))
		}
		seen[name] = true
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be text or json", c.Logging.Format))
	}

	if c.UseLocalStore() && c.Local.HealthAttempts < 1 {
		errs = append(errs, errors.New("local.health_attempts must be at least 1"))
	}

	return errors.Join(errs...)
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"agents.readiness_timeout", cfg.Agents.ReadinessTimeoutRaw, &cfg.Agents.ReadinessTimeout},
		{"agents.grace_period", cfg.Agents.GracePeriodRaw, &cfg.Agents.GracePeriod},
		{"agents.dedupe_ttl", cfg.Agents.DedupeTTLRaw, &cfg.Agents.DedupeTTL},
		{"shutdown.timeout", cfg.Shutdown.TimeoutRaw, &cfg.Shutdown.Timeout},
		{"shutdown.store_drain", cfg.Shutdown.StoreDrainRaw, &cfg.Shutdown.StoreDrain},
		{"local.health_timeout", cfg.Local.HealthTimeoutRaw, &cfg.Local.HealthTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}
	return nil
}
