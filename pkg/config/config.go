package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete DittoBackup configuration.
//
// This structure captures all configurable aspects of a backup store:
//   - Logging configuration
//   - Object store selection and configuration (store-specific)
//   - Account database selection and configuration (store-specific)
//   - The account lock provider
//   - Session, checker and housekeeping tuning
//   - Metrics exposure
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (DITTOBACKUP_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
//
// Store Configuration Pattern:
// Each store implementation defines its own configuration type. The Config
// struct contains type-specific sections (e.g., objects.filesystem,
// objects.s3) and only the section matching the selected type is used.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Server contains process-wide settings
	Server ServerConfig `mapstructure:"server"`

	// Objects specifies the object store type and type-specific configuration
	Objects ObjectsConfig `mapstructure:"objects"`

	// Accounts specifies the account database type and type-specific configuration
	Accounts AccountsConfig `mapstructure:"accounts"`

	// Lock selects the account write lock provider
	Lock LockConfig `mapstructure:"lock"`

	// Session tunes the store context of a session
	Session SessionConfig `mapstructure:"session"`

	// Limits are the block limits given to new accounts
	Limits LimitsConfig `mapstructure:"limits"`

	// Check configures the consistency checker
	Check CheckConfig `mapstructure:"check"`

	// Housekeeping configures the space reclaim worker
	Housekeeping HousekeepingConfig `mapstructure:"housekeeping"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required"`
}

// ServerConfig contains process-wide settings.
type ServerConfig struct {
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`

	// Metrics controls the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	// Enabled turns on metrics collection and the HTTP endpoint
	Enabled bool `mapstructure:"enabled"`

	// Port is the HTTP port serving /metrics
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535"`
}

// ObjectsConfig specifies object store configuration.
//
// The Type field determines which store implementation is used.
// Only the corresponding type-specific configuration section is used.
type ObjectsConfig struct {
	// Type specifies which object store implementation to use
	// Valid values: filesystem, memory, s3
	Type string `mapstructure:"type" validate:"required,oneof=filesystem memory s3"`

	// Filesystem contains filesystem-specific configuration
	// Only used when Type = "filesystem"
	Filesystem map[string]any `mapstructure:"filesystem"`

	// Memory contains memory-specific configuration
	// Only used when Type = "memory"
	Memory map[string]any `mapstructure:"memory"`

	// S3 contains S3-specific configuration
	// Only used when Type = "s3"
	S3 map[string]any `mapstructure:"s3"`
}

// AccountsConfig specifies account database configuration.
type AccountsConfig struct {
	// Type specifies which account database implementation to use
	// Valid values: memory, badger
	Type string `mapstructure:"type" validate:"required,oneof=memory badger"`

	// Memory contains memory-specific configuration
	// Only used when Type = "memory"
	Memory map[string]any `mapstructure:"memory"`

	// Badger contains BadgerDB-specific configuration
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger"`
}

// LockConfig selects the account lock provider.
type LockConfig struct {
	// Type is "memory" (one process) or "file" (processes sharing Dir)
	Type string `mapstructure:"type" validate:"required,oneof=memory file"`

	// Dir holds the lock files when Type = "file"
	Dir string `mapstructure:"dir"`
}

// SessionConfig tunes the store context.
type SessionConfig struct {
	// BlockSize is the accounting block size in bytes
	BlockSize int64 `mapstructure:"block_size" validate:"gt=0"`

	// StoreInfoSaveDelay is how many deferred StoreInfo saves are coalesced
	StoreInfoSaveDelay int `mapstructure:"store_info_save_delay" validate:"gt=0"`

	// DirectoryCacheSize bounds the per-session directory cache
	DirectoryCacheSize int `mapstructure:"directory_cache_size" validate:"gt=0"`

	// LockRetries is how many more lock attempts follow a release request
	// (negative for none)
	LockRetries int `mapstructure:"lock_retries"`

	// LockRetryDelay is the wait between lock attempts
	LockRetryDelay time.Duration `mapstructure:"lock_retry_delay" validate:"gte=0"`
}

// LimitsConfig holds the block limits for new or regenerated accounts.
type LimitsConfig struct {
	SoftLimit int64 `mapstructure:"soft_limit" validate:"gt=0"`
	HardLimit int64 `mapstructure:"hard_limit" validate:"gt=0"`
}

// CheckConfig configures the consistency checker.
type CheckConfig struct {
	// Quiet suppresses per-repair log lines
	Quiet bool `mapstructure:"quiet"`
}

// HousekeepingConfig configures the housekeeping worker.
type HousekeepingConfig struct {
	// Enabled starts the background worker in daemon mode
	Enabled bool `mapstructure:"enabled"`

	// Interval between periodic passes over every account
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`

	// QueueSize bounds pending reclaim requests
	QueueSize int `mapstructure:"queue_size" validate:"gt=0"`

	// RetryDelay is how long a reclaim request for a locked account waits
	// before it is tried again
	RetryDelay time.Duration `mapstructure:"retry_delay" validate:"gt=0"`

	// DryRun reports what would be removed without removing it
	DryRun bool `mapstructure:"dry_run"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (DITTOBACKUP_*)
//  2. Configuration file
//  3. Default values
//
// An empty configPath uses the default location.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Example: DITTOBACKUP_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("DITTOBACKUP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v, reflect.TypeOf(Config{}), "")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// $XDG_CONFIG_HOME/dittobackup/config.yaml
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// bindEnvKeys registers every scalar key of t with viper. AutomaticEnv alone
// only covers keys that already appear in the config file.
func bindEnvKeys(v *viper.Viper, t reflect.Type, prefix string) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		switch field.Type.Kind() {
		case reflect.Struct:
			bindEnvKeys(v, field.Type, key)
		case reflect.Map:
			// type-specific store sections are free-form
		default:
			_ = v.BindEnv(key)
		}
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		// No file: defaults and environment only
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dittobackup")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "dittobackup")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
