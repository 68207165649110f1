package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Supported metadata backends
const (
	MetadataBackendSQLite = "sqlite"
	MetadataBackendBadger = "badger"
	MetadataBackendPebble = "pebble"
)

// Config holds all configuration for shardkv
type Config struct {
	DataDir   string `mapstructure:"data_dir"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"` // json, text

	// Shard layout
	Shards ShardsConfig `mapstructure:"shards"`

	// Metadata (WAL) configuration
	Metadata MetadataConfig `mapstructure:"metadata"`

	// Blob storage configuration
	Storage StorageConfig `mapstructure:"storage"`

	// Background compaction
	Compaction CompactionConfig `mapstructure:"compaction"`

	// Metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ShardsConfig defines the static shard layout. The shard count must not
// change for the lifetime of a data directory.
type ShardsConfig struct {
	Count int      `mapstructure:"count"`
	Dirs  []string `mapstructure:"dirs"` // explicit shard directories, overrides count
}

// MetadataConfig defines the per-shard metadata store
type MetadataConfig struct {
	Backend    string `mapstructure:"backend"` // sqlite, badger, pebble
	SyncWrites bool   `mapstructure:"sync_writes"`
}

// StorageConfig defines blob storage configuration
type StorageConfig struct {
	// Root is the blob directory of a single shard. It is filled in per
	// shard by the shard package and is not read from configuration.
	Root string `mapstructure:"-"`

	// SyncWrites fsyncs every blob and its directory before a write is
	// reported as complete.
	SyncWrites bool `mapstructure:"sync_writes"`

	// Value compression: none, gzip or zstd. Values smaller than
	// CompressionMinSize are always stored raw.
	Compression        string `mapstructure:"compression"`
	CompressionLevel   int    `mapstructure:"compression_level"`
	CompressionMinSize int64  `mapstructure:"compression_min_size"`
}

// CompactionConfig defines the background compactor schedule
type CompactionConfig struct {
	Enable            bool          `mapstructure:"enable"`
	Interval          time.Duration `mapstructure:"interval"`
	InitialDelay      time.Duration `mapstructure:"initial_delay"`
	OrphanSweep       bool          `mapstructure:"orphan_sweep"`
	OrphanGracePeriod time.Duration `mapstructure:"orphan_grace_period"`
}

// MetricsConfig defines metrics configuration
type MetricsConfig struct {
	Enable bool `mapstructure:"enable"`
}

// Load loads configuration from various sources
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Bind command line flags
	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	// Read from config file if specified
	if flag := cmd.Flags().Lookup("config"); flag != nil && flag.Value.String() != "" {
		v.SetConfigFile(flag.Value.String())
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Read from environment variables
	v.SetEnvPrefix("SHARDKV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied, rooted at dataDir.
// It is meant for embedding the engine as a library without viper.
func Default(dataDir string) *Config {
	v := viper.New()
	setDefaults(v)
	v.Set("data_dir", dataDir)

	var cfg Config
	// Unmarshal of defaults only fails on programmer error
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return &cfg
}

func setDefaults(v *viper.Viper) {
	// NO default for data_dir - must be explicitly configured
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	// Shard defaults
	v.SetDefault("shards.count", 4)
	v.SetDefault("shards.dirs", []string{})

	// Metadata defaults
	v.SetDefault("metadata.backend", MetadataBackendSQLite)
	v.SetDefault("metadata.sync_writes", true)

	// Storage defaults
	v.SetDefault("storage.sync_writes", true)
	v.SetDefault("storage.compression", "none")
	v.SetDefault("storage.compression_level", 0)
	v.SetDefault("storage.compression_min_size", 1024)

	// Compaction defaults
	v.SetDefault("compaction.enable", true)
	v.SetDefault("compaction.interval", 5*time.Second)
	v.SetDefault("compaction.initial_delay", 1*time.Second)
	v.SetDefault("compaction.orphan_sweep", true)
	v.SetDefault("compaction.orphan_grace_period", 1*time.Minute)

	// Metrics defaults
	v.SetDefault("metrics.enable", true)
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"data-dir":         "data_dir",
		"log-level":        "log_level",
		"log-format":       "log_format",
		"shards":           "shards.count",
		"metadata-backend": "metadata.backend",
	}

	for flag, key := range flags {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}

	return nil
}

// Validate checks cfg and fills in derived values such as shard directories.
func Validate(cfg *Config) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required: specify via --data-dir flag, config file, or SHARDKV_DATA_DIR environment variable")
	}

	if !filepath.IsAbs(cfg.DataDir) {
		if abs, err := filepath.Abs(cfg.DataDir); err == nil {
			cfg.DataDir = abs
		}
	}

	if _, err := os.Stat(cfg.DataDir); os.IsNotExist(err) {
		logrus.Debugf("Creating data directory: %s", cfg.DataDir)
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	switch cfg.Metadata.Backend {
	case MetadataBackendSQLite, MetadataBackendBadger, MetadataBackendPebble:
	case "":
		cfg.Metadata.Backend = MetadataBackendSQLite
	default:
		return fmt.Errorf("unsupported metadata backend: %s (expected sqlite, badger or pebble)", cfg.Metadata.Backend)
	}

	switch cfg.Storage.Compression {
	case "none", "gzip", "zstd":
	case "":
		cfg.Storage.Compression = "none"
	default:
		return fmt.Errorf("unsupported compression: %s (expected none, gzip or zstd)", cfg.Storage.Compression)
	}

	// Explicit shard directories win over the count
	if len(cfg.Shards.Dirs) > 0 {
		cfg.Shards.Count = len(cfg.Shards.Dirs)
		for i, dir := range cfg.Shards.Dirs {
			if !filepath.IsAbs(dir) {
				cfg.Shards.Dirs[i] = filepath.Join(cfg.DataDir, dir)
			}
		}
	} else {
		if cfg.Shards.Count <= 0 {
			return fmt.Errorf("shards.count must be positive, got %d", cfg.Shards.Count)
		}
		cfg.Shards.Dirs = make([]string, cfg.Shards.Count)
		for i := range cfg.Shards.Dirs {
			cfg.Shards.Dirs[i] = filepath.Join(cfg.DataDir, fmt.Sprintf("shard-%03d", i))
		}
	}

	if cfg.Compaction.Enable && cfg.Compaction.Interval <= 0 {
		return fmt.Errorf("compaction.interval must be positive when compaction is enabled")
	}
	if cfg.Compaction.InitialDelay < 0 {
		cfg.Compaction.InitialDelay = 0
	}
	if cfg.Compaction.OrphanGracePeriod < 0 {
		cfg.Compaction.OrphanGracePeriod = 0
	}

	return nil
}
