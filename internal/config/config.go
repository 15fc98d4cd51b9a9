package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Timezone    string            `mapstructure:"timezone"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Status      StatusConfig      `mapstructure:"status"`
	History     HistoryConfig     `mapstructure:"history"`
	Visits      VisitsConfig      `mapstructure:"visits"`
}

// ServerConfig defines server ports and addresses
type ServerConfig struct {
	BindAddress string `mapstructure:"bind_address"`
	Port        int    `mapstructure:"port"`
	MetricsPort int    `mapstructure:"metrics_port"` // 0 disables the metrics listener
	Secret      string `mapstructure:"secret"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type           string      `mapstructure:"type"` // "file", "bolt" or "redis"
	Path           string      `mapstructure:"path"`
	Template       string      `mapstructure:"template"` // optional template document overriding the built-in one
	LoadAttempts   int         `mapstructure:"load_attempts"`
	LoadRetryDelay string      `mapstructure:"load_retry_delay"`
	Redis          RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	KeyPrefix    string `mapstructure:"key_prefix"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"` // empty logs to stdout
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// MaintenanceConfig defines the periodic liveness and checkpoint task
type MaintenanceConfig struct {
	Interval         string `mapstructure:"interval"`
	OfflineThreshold string `mapstructure:"offline_threshold"`
	OfflineText      string `mapstructure:"offline_text"`
	AutoSwitchStatus bool   `mapstructure:"auto_switch_status"`
}

// StatusConfig defines how the live status is presented
type StatusConfig struct {
	NotUsingText string `mapstructure:"not_using_text"`
	UsingFirst   bool   `mapstructure:"using_first"`
	Sorted       bool   `mapstructure:"sorted"`
}

// HistoryConfig defines recent session caps
type HistoryConfig struct {
	RecentLimit          int `mapstructure:"recent_limit"`
	AggregateRecentLimit int `mapstructure:"aggregate_recent_limit"`
}

// VisitsConfig lists the request paths counted by the visit counters
type VisitsConfig struct {
	Paths []string `mapstructure:"paths"`
}

// Load loads configuration from file and environment variables. An empty
// path uses defaults and environment variables only.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("PRESENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Defaults returns the configuration made of default values only.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// KnownKeys returns the set of recognised configuration keys.
func KnownKeys() map[string]bool {
	v := viper.New()
	setDefaults(v)

	keys := make(map[string]bool)
	for _, key := range v.AllKeys() {
		keys[key] = true
	}
	return keys
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.port", 9010)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.secret", "")

	v.SetDefault("timezone", "Asia/Shanghai")

	// Storage defaults
	v.SetDefault("storage.type", "file")
	v.SetDefault("storage.path", "/var/lib/presence/data.json")
	v.SetDefault("storage.template", "")
	v.SetDefault("storage.load_attempts", 5)
	v.SetDefault("storage.load_retry_delay", "200ms")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.redis.key_prefix", "presence")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)

	// Maintenance defaults
	v.SetDefault("maintenance.interval", "60s")
	v.SetDefault("maintenance.offline_threshold", "10m")
	v.SetDefault("maintenance.offline_text", "[offline]")
	v.SetDefault("maintenance.auto_switch_status", true)

	// Status defaults
	v.SetDefault("status.not_using_text", "")
	v.SetDefault("status.using_first", true)
	v.SetDefault("status.sorted", false)

	// History defaults
	v.SetDefault("history.recent_limit", 200)
	v.SetDefault("history.aggregate_recent_limit", 500)

	v.SetDefault("visits.paths", []string{"/", "/query", "/device/history"})
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}

	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "file"
	}
	switch cfg.Storage.Type {
	case "file", "bolt":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required")
		}
		storageDir := filepath.Dir(cfg.Storage.Path)
		if err := os.MkdirAll(storageDir, 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("redis host is required")
		}
		if cfg.Storage.Redis.KeyPrefix == "" {
			cfg.Storage.Redis.KeyPrefix = "presence"
		}
	default:
		return fmt.Errorf("unknown storage type: %q", cfg.Storage.Type)
	}

	if cfg.Storage.LoadAttempts <= 0 {
		return fmt.Errorf("storage load_attempts must be positive: %d", cfg.Storage.LoadAttempts)
	}

	durations := map[string]string{
		"storage.load_retry_delay":      cfg.Storage.LoadRetryDelay,
		"maintenance.interval":          cfg.Maintenance.Interval,
		"maintenance.offline_threshold": cfg.Maintenance.OfflineThreshold,
	}
	for key, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, value, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative: %s", key, value)
		}
	}
	if d, _ := time.ParseDuration(cfg.Maintenance.Interval); d == 0 {
		return fmt.Errorf("maintenance.interval must be positive")
	}

	if cfg.History.RecentLimit <= 0 {
		cfg.History.RecentLimit = 200
	}
	if cfg.History.AggregateRecentLimit <= 0 {
		cfg.History.AggregateRecentLimit = 500
	}

	switch cfg.Logging.Format {
	case "json", "text", "":
	default:
		return fmt.Errorf("unknown logging format: %q", cfg.Logging.Format)
	}

	return nil
}
