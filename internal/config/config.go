// Package config loads pipeline configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/milagros-data/natal-pipeline/internal/catalog"
	"github.com/milagros-data/natal-pipeline/internal/logging"
	"github.com/milagros-data/natal-pipeline/internal/quality"
	"github.com/milagros-data/natal-pipeline/internal/registry"
	"github.com/milagros-data/natal-pipeline/internal/source"
	"github.com/milagros-data/natal-pipeline/internal/storage"
	"github.com/milagros-data/natal-pipeline/internal/tables"
)

// Warehouse configures the analytics warehouse target.
type Warehouse struct {
	// Enabled gates the gold→warehouse transition. Off, the run stops at
	// gold partitions.
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// Metrics configures the prometheus endpoint.
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Perf holds concurrency and retry tuning.
type Perf struct {
	Workers    int `yaml:"workers"`
	QueueSize  int `yaml:"queue_size"`
	MaxRetries int `yaml:"max_retries"`
	BackoffMs  int `yaml:"backoff_ms"`
}

// Config is the root configuration.
type Config struct {
	Dataset string `yaml:"dataset"`

	Logging logging.Config       `yaml:"logging"`
	Catalog catalog.Config       `yaml:"catalog"`
	Storage storage.Config       `yaml:"storage"`
	Source  source.Config        `yaml:"source"`
	Quality quality.Rules        `yaml:"quality"`
	Parquet tables.ParquetConfig `yaml:"parquet"`

	Warehouse Warehouse `yaml:"warehouse"`
	Metrics   Metrics   `yaml:"metrics"`
	Perf      Perf      `yaml:"perf"`
}

// Default returns the configuration used when a field is not set.
func Default() Config {
	return Config{
		Dataset: registry.BirthsDataset,
		Logging: logging.Config{Format: "json", Level: "info"},
		Catalog: catalog.Config{Backend: "memory"},
		Storage: storage.Config{Backend: "local", LocalDir: "data"},
		Source:  source.Config{Mode: "local", LocalDir: "extracts", SourceSystem: "registro_civil"},
		Quality: quality.DefaultBirthsRules(),
		Parquet: tables.DefaultParquetConfig(),
		Metrics: Metrics{Addr: ":9090"},
		Perf:    Perf{Workers: 4, QueueSize: 64, MaxRetries: 3, BackoffMs: 250},
	}
}

// Load reads YAML configuration, layers it over the defaults, applies
// environment overrides, and validates the result. An empty path returns
// defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv maps NATAL_* environment variables onto the config. Environment
// wins over the file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("NATAL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("NATAL_CATALOG_DSN"); v != "" {
		cfg.Catalog.Backend = "postgres"
		cfg.Catalog.PostgresDSN = v
	}
	if v := os.Getenv("NATAL_WAREHOUSE_DSN"); v != "" {
		cfg.Warehouse.Enabled = true
		cfg.Warehouse.DSN = v
	}
	if v := os.Getenv("NATAL_SOURCE_DIR"); v != "" {
		cfg.Source.Mode = "local"
		cfg.Source.LocalDir = v
	}
	if v := os.Getenv("NATAL_STORAGE_DIR"); v != "" {
		cfg.Storage.Backend = "local"
		cfg.Storage.LocalDir = v
	}
	if v := os.Getenv("NATAL_METRICS_ADDR"); v != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("NATAL_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Perf.Workers = n
		}
	}
}

func (c *Config) validate() error {
	if c.Dataset == "" {
		return fmt.Errorf("dataset is required")
	}
	if c.Perf.Workers < 1 {
		return fmt.Errorf("perf.workers must be >= 1, got %d", c.Perf.Workers)
	}
	if c.Perf.QueueSize < 1 {
		return fmt.Errorf("perf.queue_size must be >= 1, got %d", c.Perf.QueueSize)
	}
	if c.Perf.MaxRetries < 0 {
		return fmt.Errorf("perf.max_retries must be >= 0, got %d", c.Perf.MaxRetries)
	}
	if c.Warehouse.Enabled && c.Warehouse.DSN == "" {
		return fmt.Errorf("warehouse.dsn is required when warehouse.enabled")
	}
	if c.Quality.DeviationFactor < 0 {
		return fmt.Errorf("quality.deviation_factor must be >= 0, got %g", c.Quality.DeviationFactor)
	}
	return nil
}
