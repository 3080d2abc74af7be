// Package config loads the iapsync YAML configuration.
//
// Environment references (${VAR}) are expanded before parsing. Unset fields
// keep the values from Default.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/iapsync/internal/catalog"
	"github.com/roach88/iapsync/internal/catalog/cuecatalog"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// Ledger backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// StoreFake is the only built-in store connector.
const StoreFake = "fake"

// Config is the root configuration document.
type Config struct {
	App         AppConfig                   `yaml:"app"`
	Log         LogConfig                   `yaml:"log"`
	Store       StoreConfig                 `yaml:"store"`
	Products    []catalog.ProductDefinition `yaml:"products"`
	CatalogFile string                      `yaml:"catalog_file"`
	Ledger      LedgerConfig                `yaml:"ledger"`
	Finish      FinishConfig                `yaml:"finish"`
	Audit       AuditConfig                 `yaml:"audit"`
	Metrics     MetricsConfig               `yaml:"metrics"`

	// dir resolves relative paths; it is the directory of the loaded file.
	dir string
}

type AppConfig struct {
	Name string `yaml:"name"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StoreConfig configures the fake store.
type StoreConfig struct {
	Name               string        `yaml:"name"`
	PurchaseDelay      time.Duration `yaml:"purchase_delay"`
	ConnectDelay       time.Duration `yaml:"connect_delay"`
	UnavailableProduct string        `yaml:"unavailable_product"`

	// DenyPurchases lists store-specific ids whose purchases are declined.
	DenyPurchases []string `yaml:"deny_purchases"`
	// DenyRetrieval fails product retrieval with a setup failure.
	DenyRetrieval bool `yaml:"deny_retrieval"`

	// TransactionIDPrefix switches transaction ids from UUIDv7 to
	// "<prefix>-<n>" sequences.
	TransactionIDPrefix string `yaml:"transaction_id_prefix"`
}

type LedgerConfig struct {
	Enabled bool        `yaml:"enabled"`
	Backend string      `yaml:"backend"`
	Path    string      `yaml:"path"`
	Redis   RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr string `yaml:"addr"`
	Key  string `yaml:"key"`
}

type FinishConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// AuditConfig enables settlement publication when NATSURL is set.
type AuditConfig struct {
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

// MetricsConfig enables the metrics server when Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used for unset fields.
func Default() *Config {
	return &Config{
		App: AppConfig{Name: "iapsync"},
		Log: LogConfig{Level: "info", Format: "text"},
		Store: StoreConfig{
			Name:          StoreFake,
			PurchaseDelay: 30 * time.Millisecond,
		},
		Ledger: LedgerConfig{
			Enabled: true,
			Backend: BackendSQLite,
			Path:    "iapsync-ledger.db",
			Redis:   RedisConfig{Key: "iapsync:ledger"},
		},
		Finish: FinishConfig{
			MaxAttempts:     5,
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     5 * time.Second,
		},
		Audit: AuditConfig{Subject: "iapsync.settlements"},
	}
}

// Load reads, expands, parses, and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.dir = filepath.Dir(path)
	return cfg, nil
}

// Parse expands environment references in data and decodes it over Default.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	expanded := os.ExpandEnv(string(data))

	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field values. It does not touch the filesystem.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalid))
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		invalid("log.level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		invalid("log.format %q must be text or json", c.Log.Format)
	}

	if c.Store.Name != StoreFake {
		invalid("store.name %q is not a known store", c.Store.Name)
	}
	if c.Store.PurchaseDelay < 0 || c.Store.ConnectDelay < 0 {
		invalid("store delays must not be negative")
	}

	if len(c.Products) > 0 && c.CatalogFile != "" {
		invalid("products and catalog_file are mutually exclusive")
	}
	if err := catalog.ValidateDefinitions(c.Products); err != nil {
		errs = append(errs, fmt.Errorf("products: %w: %w", err, ErrInvalid))
	}

	if c.Ledger.Enabled {
		switch c.Ledger.Backend {
		case BackendSQLite:
			if c.Ledger.Path == "" {
				invalid("ledger.path is required for the sqlite backend")
			}
		case BackendRedis:
			if c.Ledger.Redis.Addr == "" {
				invalid("ledger.redis.addr is required for the redis backend")
			}
		case BackendMemory:
		default:
			invalid("ledger.backend %q must be sqlite, redis, or memory", c.Ledger.Backend)
		}
	}

	if c.Finish.MaxAttempts <= 0 {
		invalid("finish.max_attempts must be positive")
	}
	if c.Finish.InitialInterval <= 0 || c.Finish.MaxInterval < c.Finish.InitialInterval {
		invalid("finish intervals must satisfy 0 < initial_interval <= max_interval")
	}

	return errors.Join(errs...)
}

// Definitions returns the configured product definitions, loading
// catalog_file relative to the config file when set. Inline products without
// a store_specific_id use their id.
func (c *Config) Definitions() ([]catalog.ProductDefinition, error) {
	if c.CatalogFile != "" {
		return cuecatalog.Load(c.Resolve(c.CatalogFile))
	}
	defs := make([]catalog.ProductDefinition, len(c.Products))
	for i, d := range c.Products {
		if d.StoreSpecificID == "" {
			d.StoreSpecificID = d.ID
		}
		defs[i] = d
	}
	return defs, nil
}

// Resolve makes a relative path relative to the config file directory.
func (c *Config) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || c.dir == "" {
		return path
	}
	return filepath.Join(c.dir, path)
}

// SlogLevel parses Level ("debug", "info", "warn", "error").
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo, err
	}
	return level, nil
}
