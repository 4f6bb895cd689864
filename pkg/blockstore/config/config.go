// Package config loads FSBlockStore and CacheBlockStore configuration
// from file, environment, and defaults, following the teacher's
// viper-plus-validator layering (see pkg/config/config.go).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/tvandijck/longtail/internal/bytesize"
)

// Config is the top-level block storage configuration.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging" validate:"required"`
	FS      FSConfig      `mapstructure:"fs" validate:"required"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig controls internal/logger's behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=text json"`
	Output string `mapstructure:"output" validate:"required"`
}

// FSConfig configures an FSBlockStore tier.
type FSConfig struct {
	// StorePath is the directory containing chunks/ and store.lci.
	StorePath string `mapstructure:"store_path" validate:"required"`

	// MaxBlockSize bounds the uncompressed payload size of a single block.
	MaxBlockSize bytesize.ByteSize `mapstructure:"max_block_size" validate:"required,gt=0"`

	// MaxChunksPerBlock bounds the number of chunks packed into one block.
	MaxChunksPerBlock uint32 `mapstructure:"max_chunks_per_block" validate:"required,gt=0"`

	// HashIdentifier names the chunk/block hash family this store's content
	// was built with (e.g. 0x4d654178 for "meow hash").
	HashIdentifier uint32 `mapstructure:"hash_identifier" validate:"required"`

	// Extension is the file suffix for materialized block files.
	Extension string `mapstructure:"extension"`

	// ScanParallelism bounds how many block files are parsed concurrently
	// while rebuilding the index by scan. 0 means unbounded.
	ScanParallelism int `mapstructure:"scan_parallelism" validate:"gte=0"`
}

// CacheConfig configures an optional CacheBlockStore tier in front of an
// FSConfig remote.
type CacheConfig struct {
	// Enabled turns on the local fast-tier cache in front of the remote
	// (authoritative) store.
	Enabled bool `mapstructure:"enabled"`

	// Local configures the fast, best-effort local tier.
	Local FSConfig `mapstructure:"local"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port" validate:"omitempty,min=1,max=65535"`
}

// Load reads configuration from configPath (YAML/TOML/JSON, auto-detected
// by viper), overlays LONGTAIL_-prefixed environment variables, applies
// defaults, and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if found {
		if err := v.Unmarshal(cfg, viper.DecodeHook(byteSizeDecodeHook())); err != nil {
			return nil, fmt.Errorf("unmarshal block store config: %w", err)
		}
	}
	applyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate block store config: %w", err)
	}
	return cfg, nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("LONGTAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(".")
	v.SetConfigName("longtail")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read config file: %w", err)
	}
	return true, nil
}

func defaultConfig() *Config {
	return &Config{}
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	applyFSDefaults(&cfg.FS)
	if cfg.Cache.Enabled {
		applyFSDefaults(&cfg.Cache.Local)
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
}

func applyFSDefaults(fs *FSConfig) {
	if fs.MaxBlockSize == 0 {
		fs.MaxBlockSize = 8 * 1024 * 1024
	}
	if fs.MaxChunksPerBlock == 0 {
		fs.MaxChunksPerBlock = 1024
	}
	if fs.Extension == "" {
		fs.Extension = ".lrb"
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate runs struct-tag validation over cfg. Cache.Local is validated
// only when the cache tier is enabled.
func Validate(cfg *Config) error {
	if cfg.Cache.Enabled {
		return validate.Struct(cfg)
	}
	return validate.StructExcept(cfg, "Cache.Local")
}

// SaveConfig writes cfg to path in YAML form via viper, creating parent
// directories as needed.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	v := viper.New()
	v.SetConfigFile(path)
	// Convert through the mapstructure tags so the written keys are the
	// same ones Load reads back.
	var m map[string]interface{}
	if err := mapstructure.Decode(*cfg, &m); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	for k, val := range m {
		v.Set(k, val)
	}
	return v.WriteConfigAs(path)
}

// byteSizeDecodeHook lets config files express sizes as human-readable
// strings ("8MB", "1Gi") or plain numbers, decoded into bytesize.ByteSize.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}
