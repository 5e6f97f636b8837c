package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
)

// Catalog backends
const (
	BackendSQLite = "sqlite"
	BackendEtcd   = "etcd"
	BackendBolt   = "bolt"
	BackendMemory = "memory"
)

// Config represents the configuration for the server
type Config struct {
	ListenAddr      string        `yaml:"listen_addr" validate:"required"`
	LogLevel        string        `yaml:"log_level" validate:"oneof=debug info warn error"`
	DefaultKind     string        `yaml:"default_kind" validate:"omitempty,oneof=hash replicated roundrobin"`
	ReloadInterval  time.Duration `yaml:"reload_interval" validate:"min=1s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"min=0"`
	HealthInterval  time.Duration `yaml:"health_check_interval" validate:"min=0"`
	Catalog         CatalogConfig `yaml:"catalog"`
	Tables          []TableConfig `yaml:"tables" validate:"dive"`
}

// TableConfig names a table whose mapping is loaded from the catalog at startup
type TableConfig struct {
	ID         int64  `yaml:"id"`
	DatabaseID int64  `yaml:"database_id"`
	Kind       string `yaml:"kind" validate:"omitempty,oneof=hash replicated roundrobin"`
}

// CatalogConfig selects and configures the catalog backend
type CatalogConfig struct {
	Backend       string   `yaml:"backend" validate:"oneof=sqlite etcd bolt memory"`
	DSN           string   `yaml:"dsn" validate:"required_if=Backend sqlite"`
	EtcdEndpoints []string `yaml:"etcd_endpoints" validate:"required_if=Backend etcd,dive,required"`
	EtcdPrefix    string   `yaml:"etcd_prefix"`
	BoltPath      string   `yaml:"bolt_path" validate:"required_if=Backend bolt"`

	// LeaderPath enables leader election among servers sharing an etcd
	// catalog, only the leader accepts table changes
	LeaderPath string `yaml:"leader_election_path"`
}

// Default returns the configuration used when no file is given
func Default() Config {
	return Config{
		ListenAddr:      ":7070",
		LogLevel:        "info",
		ReloadInterval:  30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		HealthInterval:  5 * time.Second,
		Catalog: CatalogConfig{
			Backend:       BackendSQLite,
			DSN:           "file:placement.db?cache=shared",
			EtcdEndpoints: []string{"localhost:2379"},
			EtcdPrefix:    "/placement/",
			LeaderPath:    "/placement/leader",
			BoltPath:      "placement.bolt",
		},
	}
}

// Load reads a YAML file over the defaults. An empty path yields the defaults,
// a named file has to exist.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return cfg, cfg.Validate()
}

// Validate checks the field constraints of the configuration
func (c Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
