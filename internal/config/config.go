// Package config loads the stated service configuration from YAML and
// command-line overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hay-kot/criterio"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Cache drivers. go-redis is the default; resp selects the built-in
// RESP client.
const (
	DriverRESP    = "resp"
	DriverGoRedis = "go-redis"
)

// DefaultExpirationSeconds keeps cached state for 14 days.
const DefaultExpirationSeconds = 1209600

type Config struct {
	LogLevel   string        `yaml:"log_level"`
	LogFile    string        `yaml:"log_file"`
	SafeWrites bool          `yaml:"safe_writes"`
	HTTP       HTTPConfig    `yaml:"http"`
	Durable    DurableConfig `yaml:"durable"`
	Cache      CacheConfig   `yaml:"cache"`
}

type HTTPConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DurableConfig points at the PostgreSQL database. Schema and Table are the
// namespace and collection holding state records.
type DurableConfig struct {
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	Table           string        `yaml:"table"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	SkipMigrations  bool          `yaml:"skip_migrations"`
}

// CacheConfig configures the optional Redis tier. Caching is disabled when
// Addr is empty.
type CacheConfig struct {
	Driver            string `yaml:"driver"`
	Addr              string `yaml:"addr"`
	Password          string `yaml:"password"`
	DB                int    `yaml:"db"`
	PoolSize          int    `yaml:"pool_size"`
	KeyPrefix         string `yaml:"key_prefix"`
	ExpirationSeconds int    `yaml:"expiration_seconds"`
}

// Enabled reports whether a cache address is configured.
func (c CacheConfig) Enabled() bool { return c.Addr != "" }

// TTL is the cache entry lifetime.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.ExpirationSeconds) * time.Second
}

// Overrides carries values from flags and environment variables. Empty
// fields leave the file value untouched.
type Overrides struct {
	LogLevel    string
	HTTPAddress string
	DSN         string
	CacheAddr   string
	CacheDriver string
	SafeWrites  bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		HTTP: HTTPConfig{
			Address:         ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Durable: DurableConfig{
			Schema:          "botstorage",
			Table:           "conversations",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Cache: CacheConfig{
			Driver:            DriverGoRedis,
			ExpirationSeconds: DefaultExpirationSeconds,
		},
	}
}

// Load reads configuration from path, applies overrides and validates the
// result. A missing file at path yields the defaults.
func Load(path string, o Overrides) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := decode(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	cfg.Merge(o)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// decode rejects unknown keys so typos do not silently fall back to defaults.
func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Merge applies non-empty overrides on top of c.
func (c *Config) Merge(o Overrides) {
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	if o.HTTPAddress != "" {
		c.HTTP.Address = o.HTTPAddress
	}
	if o.DSN != "" {
		c.Durable.DSN = o.DSN
	}
	if o.CacheAddr != "" {
		c.Cache.Addr = o.CacheAddr
	}
	if o.CacheDriver != "" {
		c.Cache.Driver = o.CacheDriver
	}
	if o.SafeWrites {
		c.SafeWrites = true
	}
}

// applyDefaults fills zero values a partial file may leave behind.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()
	if c.LogLevel == "" {
		c.LogLevel = defaults.LogLevel
	}
	if c.HTTP.Address == "" {
		c.HTTP.Address = defaults.HTTP.Address
	}
	if c.Durable.Schema == "" {
		c.Durable.Schema = defaults.Durable.Schema
	}
	if c.Durable.Table == "" {
		c.Durable.Table = defaults.Durable.Table
	}
	if c.Cache.Driver == "" {
		c.Cache.Driver = defaults.Cache.Driver
	}
	if c.Cache.ExpirationSeconds == 0 {
		c.Cache.ExpirationSeconds = defaults.Cache.ExpirationSeconds
	}
}

// Validate checks that the configuration is usable and reports every
// problem at once.
func (c *Config) Validate() error {
	var errs criterio.FieldErrorsBuilder

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = errs.Append("log_level", fmt.Errorf("unknown level %q", c.LogLevel))
	}
	if c.Durable.DSN == "" {
		errs = errs.Append("durable.dsn", fmt.Errorf("cannot be empty"))
	}
	if c.Durable.MaxOpenConns < 0 {
		errs = errs.Append("durable.max_open_conns", fmt.Errorf("must not be negative"))
	}
	if c.Cache.ExpirationSeconds < 1 {
		errs = errs.Append("cache.expiration_seconds", fmt.Errorf("must be at least 1"))
	}
	if c.Cache.Enabled() {
		switch c.Cache.Driver {
		case DriverRESP, DriverGoRedis:
		default:
			errs = errs.Append("cache.driver", fmt.Errorf("must be %q or %q, got %q", DriverRESP, DriverGoRedis, c.Cache.Driver))
		}
		if c.Cache.DB < 0 {
			errs = errs.Append("cache.db", fmt.Errorf("must not be negative"))
		}
	}

	return errs.ToError()
}
