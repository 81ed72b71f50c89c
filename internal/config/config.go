// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

// Package config loads the optional dynbackup configuration file.
//
// Every setting has a default, so the file itself is optional.  Settings may
// also be supplied through DYNBACKUP_ prefixed environment variables, with
// dots replaced by underscores (eg. DYNBACKUP_AWS_REGION).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "DYNBACKUP"

// Config holds the settings shared by every command.
type Config struct {
	AWS         AWSConfig     `mapstructure:"aws"`
	Logging     LoggingConfig `mapstructure:"logging"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
	Workers     int           `mapstructure:"workers"`      // 0 uses one worker per logical CPU
	ManifestDir string        `mapstructure:"manifest_dir"` // empty uses the system temp dir
}

// AWSConfig configures the AWS session and its retry behaviour.
type AWSConfig struct {
	Region             string        `mapstructure:"region"`
	Endpoint           string        `mapstructure:"endpoint"`
	MaxRetries         int           `mapstructure:"max_retries"`
	SnapshotMaxRetries int           `mapstructure:"snapshot_max_retries"`
	HTTPTimeout        time.Duration `mapstructure:"http_timeout"`
}

// LoggingConfig selects the log level and format and controls rotation of
// file targets.  Sizes are in megabytes and ages in days.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
	LocalTime  bool   `mapstructure:"local_time"`
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // empty disables the metrics endpoint
	Path string `mapstructure:"path"`
}

// Load reads the YAML file at path, if one is given, on top of the defaults
// and any environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		panic(err)
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.endpoint", "")
	v.SetDefault("aws.max_retries", 10)
	v.SetDefault("aws.snapshot_max_retries", 1000)
	v.SetDefault("aws.http_timeout", "60s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 7)
	v.SetDefault("logging.compress", true)
	v.SetDefault("logging.local_time", true)

	v.SetDefault("metrics.addr", "")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("workers", 0)
	v.SetDefault("manifest_dir", "")
}

func validate(cfg *Config) error {
	if cfg.AWS.MaxRetries < 0 {
		return fmt.Errorf("aws.max_retries must be non-negative, got %d", cfg.AWS.MaxRetries)
	}
	if cfg.AWS.SnapshotMaxRetries < 0 {
		return fmt.Errorf("aws.snapshot_max_retries must be non-negative, got %d", cfg.AWS.SnapshotMaxRetries)
	}
	if cfg.AWS.HTTPTimeout <= 0 {
		return fmt.Errorf("aws.http_timeout must be positive, got %v", cfg.AWS.HTTPTimeout)
	}

	switch cfg.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be one of: json, console")
	}
	if err := validateRange(cfg.Logging.MaxSize, 1, 1000, "logging.max_size"); err != nil {
		return err
	}
	if err := validateRange(cfg.Logging.MaxBackups, 0, 100, "logging.max_backups"); err != nil {
		return err
	}
	if err := validateRange(cfg.Logging.MaxAge, 0, 365, "logging.max_age"); err != nil {
		return err
	}

	if cfg.Metrics.Addr != "" && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /, got %q", cfg.Metrics.Path)
	}
	if cfg.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", cfg.Workers)
	}
	return nil
}

func validateRange(value int, min int, max int, name string) error {
	if value < min || value > max {
		return fmt.Errorf("%s must be between %d and %d, got %d", name, min, max, value)
	}
	return nil
}
