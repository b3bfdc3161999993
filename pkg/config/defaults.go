package config

import (
	"strings"
	"time"

	"github.com/marmos91/dittobackup/pkg/backup"
	"github.com/marmos91/dittobackup/pkg/session"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Store-specific defaults are handled by store implementations
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyObjectsDefaults(&cfg.Objects)
	applyAccountsDefaults(&cfg.Accounts)
	applyLockDefaults(&cfg.Lock)
	applySessionDefaults(&cfg.Session)
	applyLimitsDefaults(&cfg.Limits)
	applyHousekeepingDefaults(&cfg.Housekeeping)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
}

// applyObjectsDefaults sets object store defaults.
func applyObjectsDefaults(cfg *ObjectsConfig) {
	if cfg.Type == "" {
		cfg.Type = "filesystem"
	}

	if cfg.Filesystem == nil {
		cfg.Filesystem = make(map[string]any)
	}
	if cfg.Memory == nil {
		cfg.Memory = make(map[string]any)
	}
	if cfg.S3 == nil {
		cfg.S3 = make(map[string]any)
	}

	// Filled for every type so a generated config file shows them
	if _, ok := cfg.Filesystem["mirrors"]; !ok {
		cfg.Filesystem["mirrors"] = []string{"/tmp/dittobackup/objects"}
	}
	if _, ok := cfg.S3["region"]; !ok {
		cfg.S3["region"] = "us-east-1"
	}
	if _, ok := cfg.S3["key_prefix"]; !ok {
		cfg.S3["key_prefix"] = "dittobackup/"
	}
}

// applyAccountsDefaults sets account database defaults.
func applyAccountsDefaults(cfg *AccountsConfig) {
	if cfg.Type == "" {
		cfg.Type = "badger"
	}

	if cfg.Memory == nil {
		cfg.Memory = make(map[string]any)
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}
	if _, ok := cfg.Badger["db_path"]; !ok {
		cfg.Badger["db_path"] = "/tmp/dittobackup/accounts"
	}
}

func applyLockDefaults(cfg *LockConfig) {
	if cfg.Type == "" {
		cfg.Type = "file"
	}
	if cfg.Dir == "" {
		cfg.Dir = "/tmp/dittobackup/locks"
	}
}

// applySessionDefaults sets store context defaults.
func applySessionDefaults(cfg *SessionConfig) {
	if cfg.BlockSize == 0 {
		cfg.BlockSize = backup.DefaultBlockSize
	}
	if cfg.StoreInfoSaveDelay == 0 {
		cfg.StoreInfoSaveDelay = session.DefaultStoreInfoSaveDelay
	}
	if cfg.DirectoryCacheSize == 0 {
		cfg.DirectoryCacheSize = session.DefaultDirectoryCacheSize
	}
	// LockRetries 0 keeps the session default; negative disables retries.
	if cfg.LockRetryDelay == 0 {
		cfg.LockRetryDelay = 250 * time.Millisecond
	}
}

// applyLimitsDefaults sets the limits of new accounts (in blocks).
func applyLimitsDefaults(cfg *LimitsConfig) {
	if cfg.SoftLimit == 0 {
		cfg.SoftLimit = 1 << 20 // 4GB at the default block size
	}
	if cfg.HardLimit == 0 {
		cfg.HardLimit = cfg.SoftLimit + cfg.SoftLimit/10
	}
}

func applyHousekeepingDefaults(cfg *HousekeepingConfig) {
	if cfg.Interval == 0 {
		cfg.Interval = time.Hour
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 64
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 5 * time.Second
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
