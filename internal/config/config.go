package config

import (
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"

	"github.com/acme-corp/racing-pipeline/internal/schema"
)

// EnvPrefix is the prefix of environment overrides. A double underscore
// separates sections: PIPELINE_WAREHOUSE__DSN sets warehouse.dsn.
const EnvPrefix = "PIPELINE_"

// PipelineConfig holds all configuration for the racing data pipeline.
type PipelineConfig struct {
	Storage   StorageConfig   `koanf:"storage"`
	Warehouse WarehouseConfig `koanf:"warehouse"`
	Server    ServerConfig    `koanf:"server"`
	Ingest    IngestConfig    `koanf:"ingest"`
	Clean     CleanConfig     `koanf:"clean"`
	Harvest   HarvestConfig   `koanf:"harvest"`
	Log       LogConfig       `koanf:"log"`
}

// StorageConfig selects the blob store holding shards and snapshots.
type StorageConfig struct {
	Driver    string `koanf:"driver"` // "fs", "s3", "memory"
	Root      string `koanf:"root"`
	Endpoint  string `koanf:"endpoint"`
	Bucket    string `koanf:"bucket"`
	Region    string `koanf:"region"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
	UseSSL    bool   `koanf:"use_ssl"`
}

// WarehouseConfig selects the analytical warehouse and watermark store.
type WarehouseConfig struct {
	Driver       string `koanf:"driver"` // "postgres", "memory"
	DSN          string `koanf:"dsn"`
	MaxConns     int    `koanf:"max_conns"`
	EnsureSchema bool   `koanf:"ensure_schema"`
}

// ServerConfig configures the HTTP trigger surface.
type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// IngestConfig configures the ingestion coordinator.
type IngestConfig struct {
	Sources         map[string][]string `koanf:"sources"`
	Workers         int                 `koanf:"workers"`
	BatchSize       int                 `koanf:"batch_size"`
	StatConcurrency int                 `koanf:"stat_concurrency"`
	LeaseTTL        time.Duration       `koanf:"lease_ttl"`
	Timeout         time.Duration       `koanf:"timeout"`
}

// CleanConfig configures the snapshot cleaner.
type CleanConfig struct {
	BatchSize int `koanf:"batch_size"`
}

// HarvestConfig configures the upstream harvester.
type HarvestConfig struct {
	BaseURL       string            `koanf:"base_url"`
	Prefixes      map[string]string `koanf:"prefixes"`
	Concurrency   int               `koanf:"concurrency"`
	Cutoff        int               `koanf:"cutoff"`
	RatePerSecond float64           `koanf:"rate_per_second"`
	Burst         int               `koanf:"burst"`
	RetryMax      int               `koanf:"retry_max"`
	RetryDelay    time.Duration     `koanf:"retry_delay"`
	Timeout       time.Duration     `koanf:"timeout"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // "json", "console"
}

// Load reads a YAML configuration file, applies PIPELINE_ environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*PipelineConfig, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "reading config file %s", path)
		}
	}

	envKey := func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, errors.Wrap(err, "reading environment")
	}

	var cfg PipelineConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}

	if err := cfg.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}

	return &cfg, nil
}

// Default returns a validated configuration for local use: filesystem
// storage under ./data and the in-memory warehouse.
func Default() *PipelineConfig {
	cfg := &PipelineConfig{}
	_ = cfg.validate()
	return cfg
}

func (c *PipelineConfig) validate() error {
	if c.Storage.Driver == "" {
		c.Storage.Driver = "fs"
	}
	switch c.Storage.Driver {
	case "fs":
		if c.Storage.Root == "" {
			c.Storage.Root = "data"
		}
	case "s3":
		if c.Storage.Bucket == "" || c.Storage.Endpoint == "" {
			return errors.New("storage: s3 driver requires endpoint and bucket")
		}
	case "memory":
	default:
		return errors.Errorf("storage: unsupported driver %q", c.Storage.Driver)
	}

	if c.Warehouse.Driver == "" {
		c.Warehouse.Driver = "memory"
	}
	switch c.Warehouse.Driver {
	case "postgres":
		if c.Warehouse.DSN == "" {
			return errors.New("warehouse: postgres driver requires dsn")
		}
		if c.Warehouse.MaxConns <= 0 {
			c.Warehouse.MaxConns = 4
		}
	case "memory":
	default:
		return errors.Errorf("warehouse: unsupported driver %q", c.Warehouse.Driver)
	}

	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 15 * time.Minute
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	if len(c.Ingest.Sources) == 0 {
		c.Ingest.Sources = schema.DefaultSources
	}
	for prefix, rels := range c.Ingest.Sources {
		if !strings.HasSuffix(prefix, "/") {
			return errors.Errorf("ingest: source prefix %q must end with /", prefix)
		}
		if _, err := schema.Ordered(rels); err != nil {
			return errors.Wrapf(err, "ingest: source %q", prefix)
		}
	}
	if c.Ingest.Workers <= 0 {
		c.Ingest.Workers = 4
	}
	if c.Ingest.BatchSize <= 0 {
		c.Ingest.BatchSize = 500
	}
	if c.Ingest.StatConcurrency <= 0 {
		c.Ingest.StatConcurrency = 8
	}
	if c.Ingest.LeaseTTL <= 0 {
		c.Ingest.LeaseTTL = 30 * time.Minute
	}

	if c.Clean.BatchSize <= 0 {
		c.Clean.BatchSize = 1000
	}

	if c.Harvest.BaseURL == "" {
		c.Harvest.BaseURL = "https://homas.pkwk.org/homas/race/search"
	}
	if len(c.Harvest.Prefixes) == 0 {
		c.Harvest.Prefixes = map[string]string{
			"horse":   "horse_data/",
			"jockey":  "jockey_data/",
			"trainer": "trainer_data/",
			"breeder": "breeder_data/",
		}
	}
	if c.Harvest.Concurrency <= 0 {
		c.Harvest.Concurrency = 10
	}
	if c.Harvest.Cutoff <= 0 {
		c.Harvest.Cutoff = 10
	}
	if c.Harvest.RatePerSecond <= 0 {
		c.Harvest.RatePerSecond = 20
	}
	if c.Harvest.Burst <= 0 {
		c.Harvest.Burst = c.Harvest.Concurrency
	}
	if c.Harvest.RetryMax < 0 {
		return errors.New("harvest: retry_max must not be negative")
	}
	if c.Harvest.RetryDelay <= 0 {
		c.Harvest.RetryDelay = time.Second
	}
	if c.Harvest.Timeout <= 0 {
		c.Harvest.Timeout = 30 * time.Second
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	return nil
}
