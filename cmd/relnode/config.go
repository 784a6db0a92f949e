package main

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/23skdu/relnode/internal/relations"
)

// envPrefix is the prefix of every environment variable read into Config.
const envPrefix = "RELNODE"

// Config validation errors
var (
	ErrInvalidDataPath        = errors.New("data_path cannot be empty")
	ErrInvalidChannel         = errors.New("channel must be 'stable' or 'experimental'")
	ErrInvalidMetricsAddr     = errors.New("metrics_addr cannot be empty")
	ErrInvalidLogFormat       = errors.New("log_format must be 'json', 'console' or 'text'")
	ErrInvalidLogLevel        = errors.New("log_level must be debug, info, warn, or error")
	ErrInvalidSearchCacheSize = errors.New("search_cache_size must not be negative")
	ErrInvalidSearchCacheTTL  = errors.New("search_cache_ttl must not be negative")
)

// Config is the process configuration, read from RELNODE_* variables.
type Config struct {
	DataPath        string        `envconfig:"DATA_PATH" default:"./data/relations"`
	Channel         string        `envconfig:"CHANNEL" default:"stable"`
	LogFormat       string        `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	MetricsAddr     string        `envconfig:"METRICS_ADDR" default:"0.0.0.0:9090"`
	SearchCacheSize int           `envconfig:"SEARCH_CACHE_SIZE" default:"1024"`
	SearchCacheTTL  time.Duration `envconfig:"SEARCH_CACHE_TTL" default:"0s"`
}

// DefaultConfig returns the configuration used when no variable is set.
func DefaultConfig() Config {
	return Config{
		DataPath:        "./data/relations",
		Channel:         string(relations.ChannelStable),
		LogFormat:       "json",
		LogLevel:        "info",
		MetricsAddr:     "0.0.0.0:9090",
		SearchCacheSize: relations.DefaultSearchCacheSize,
	}
}

// LoadConfig reads envFile into the environment, if it exists, and then
// processes RELNODE_* variables. Variables already set win over the file. A
// missing envFile is only an error when required is true.
func LoadConfig(envFile string, required bool) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if required || !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("load %s: %w", envFile, err)
			}
		}
	}

	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("process environment: %w", err)
	}
	return cfg, nil
}

// ValidateConfig validates the configuration and returns an error if invalid
func ValidateConfig(cfg *Config) error {
	if cfg.DataPath == "" {
		return ErrInvalidDataPath
	}
	if _, err := relations.ParseChannel(cfg.Channel); err != nil {
		return ErrInvalidChannel
	}
	if cfg.MetricsAddr == "" {
		return ErrInvalidMetricsAddr
	}
	switch cfg.LogFormat {
	case "json", "console", "text":
	default:
		return ErrInvalidLogFormat
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return ErrInvalidLogLevel
	}
	if cfg.SearchCacheSize < 0 {
		return ErrInvalidSearchCacheSize
	}
	if cfg.SearchCacheTTL < 0 {
		return ErrInvalidSearchCacheTTL
	}
	return nil
}

// IndexConfig returns the relation index configuration of cfg.
func (c *Config) IndexConfig() relations.Config {
	return relations.Config{Path: c.DataPath, Channel: relations.Channel(c.Channel)}
}
