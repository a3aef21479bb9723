// Package config loads the relay's file configuration. Runtime-mutable
// settings (instance name, bans toggle, signing key, ...) live in the
// database instead — see internal/db.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all settings read from the YAML config file.
type Config struct {
	Domain  string `yaml:"domain"`
	Listen  string `yaml:"listen"`
	Port    int    `yaml:"port"`
	Workers int    `yaml:"workers"`

	DatabaseType string `yaml:"database_type"` // "sqlite" or "postgres"
	SqlitePath   string `yaml:"sqlite_path"`

	Postgres PostgresConfig `yaml:"postgres"`

	CacheType string      `yaml:"cache_type"` // "database" or "redis"
	Redis     RedisConfig `yaml:"redis"`

	// path holds the resolved config file location so relative paths
	// (sqlite_path) can be resolved against the config directory.
	path string
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Name string `yaml:"name"`
	User string `yaml:"user"`
	Pass string `yaml:"pass"`
}

// RedisConfig holds Redis connection settings for the redis cache backend.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Pass     string `yaml:"pass"`
	Database int    `yaml:"database"`
	Prefix   string `yaml:"prefix"`
}

// Defaults returns a Config populated with the default values.
func Defaults() *Config {
	return &Config{
		Domain:       "relay.example.com",
		Listen:       "0.0.0.0",
		Port:         8080,
		Workers:      runtime.NumCPU(),
		DatabaseType: "sqlite",
		SqlitePath:   "relay.sqlite3",
		Postgres: PostgresConfig{
			Host: "/var/run/postgresql",
			Port: 5432,
			Name: "activityrelay",
		},
		CacheType: "database",
		Redis: RedisConfig{
			Host:   "localhost",
			Port:   6379,
			Prefix: "activityrelay",
		},
	}
}

// Load reads the config file at path. If the file does not exist it is
// created with default values so a fresh install has something to edit.
func Load(path string) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	cfg := Defaults()
	cfg.path = abs

	data, err := os.ReadFile(abs)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.Save(); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks config values that would otherwise fail deep inside a
// subsystem at runtime.
func (c *Config) Validate() error {
	switch c.DatabaseType {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("invalid database_type %q: must be sqlite or postgres", c.DatabaseType)
	}

	switch c.CacheType {
	case "database", "redis":
	default:
		return fmt.Errorf("invalid cache_type %q: must be database or redis", c.CacheType)
	}

	// Redis keys are "{prefix}:{namespace}:{key}", so a prefix containing
	// the separator would corrupt key parsing.
	if strings.Contains(c.Redis.Prefix, ":") {
		return fmt.Errorf("redis prefix %q must not contain ':'", c.Redis.Prefix)
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}

	if c.Workers < 0 {
		return fmt.Errorf("invalid worker count %d", c.Workers)
	}
	return nil
}

// Save writes the config back to its file, creating parent directories.
func (c *Config) Save() error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// WorkerCount returns the configured worker count, substituting the CPU
// count when workers is 0.
func (c *Config) WorkerCount() int {
	if c.Workers == 0 {
		return runtime.NumCPU()
	}
	return c.Workers
}

// SqliteFile resolves the sqlite path relative to the config directory.
func (c *Config) SqliteFile() string {
	if filepath.IsAbs(c.SqlitePath) {
		return c.SqlitePath
	}
	return filepath.Join(filepath.Dir(c.path), c.SqlitePath)
}

// PostgresDSN builds a lib/pq connection string.
func (c *Config) PostgresDSN() string {
	parts := []string{
		"host=" + c.Postgres.Host,
		fmt.Sprintf("port=%d", c.Postgres.Port),
		"dbname=" + c.Postgres.Name,
		"sslmode=disable",
	}
	if c.Postgres.User != "" {
		parts = append(parts, "user="+c.Postgres.User)
	}
	if c.Postgres.Pass != "" {
		parts = append(parts, "password="+c.Postgres.Pass)
	}
	return strings.Join(parts, " ")
}

// RedisAddr returns the host:port address for the Redis backend.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// ActorIRI is the IRI of the relay's service actor.
func (c *Config) ActorIRI() string {
	return "https://" + c.Domain + "/actor"
}

// InboxIRI is the IRI of the relay's shared inbox.
func (c *Config) InboxIRI() string {
	return "https://" + c.Domain + "/inbox"
}

// KeyID is the fragment IRI of the relay's signing key.
func (c *Config) KeyID() string {
	return c.ActorIRI() + "#main-key"
}

// BindAddr is the listen address for the HTTP server.
func (c *Config) BindAddr() string {
	return fmt.Sprintf("%s:%d", c.Listen, c.Port)
}
