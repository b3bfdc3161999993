package config

import (
	"testing"
	"time"
)

func TestApplyDefaults_Empty(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected level INFO, got %q", cfg.Logging.Level)
	}
	if cfg.Objects.Type != "filesystem" {
		t.Errorf("Expected object store type filesystem, got %q", cfg.Objects.Type)
	}
	if cfg.Accounts.Type != "badger" {
		t.Errorf("Expected account database type badger, got %q", cfg.Accounts.Type)
	}
	if cfg.Lock.Type != "file" || cfg.Lock.Dir == "" {
		t.Errorf("Expected file lock with a directory, got %+v", cfg.Lock)
	}
	if cfg.Session.StoreInfoSaveDelay != 96 {
		t.Errorf("Expected store_info_save_delay 96, got %d", cfg.Session.StoreInfoSaveDelay)
	}
	if cfg.Session.DirectoryCacheSize != 32 {
		t.Errorf("Expected directory_cache_size 32, got %d", cfg.Session.DirectoryCacheSize)
	}
	if cfg.Session.LockRetries != 0 {
		t.Errorf("Expected lock_retries to stay 0, got %d", cfg.Session.LockRetries)
	}
	if cfg.Housekeeping.Interval != time.Hour {
		t.Errorf("Expected housekeeping interval 1h, got %v", cfg.Housekeeping.Interval)
	}
	if cfg.Housekeeping.RetryDelay != 5*time.Second {
		t.Errorf("Expected housekeeping retry delay 5s, got %v", cfg.Housekeeping.RetryDelay)
	}
	if cfg.Server.Metrics.Port != 9090 {
		t.Errorf("Expected metrics port 9090, got %d", cfg.Server.Metrics.Port)
	}
	if _, ok := cfg.Accounts.Badger["db_path"]; !ok {
		t.Error("Expected a default badger db_path")
	}
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &Config{
		Logging: LoggingConfig{Level: "warn", Format: "json", Output: "stderr"},
		Objects: ObjectsConfig{
			Type:       "filesystem",
			Filesystem: map[string]any{"mirrors": []string{"/srv/objects"}},
		},
		Session:      SessionConfig{BlockSize: 512, LockRetries: -1},
		Limits:       LimitsConfig{SoftLimit: 100, HardLimit: 120},
		Housekeeping: HousekeepingConfig{Interval: 5 * time.Minute, QueueSize: 4},
	}
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "WARN" {
		t.Errorf("Expected level normalized to WARN, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Output != "stderr" {
		t.Errorf("Expected explicit logging values, got %+v", cfg.Logging)
	}
	mirrors := cfg.Objects.Filesystem["mirrors"].([]string)
	if len(mirrors) != 1 || mirrors[0] != "/srv/objects" {
		t.Errorf("Expected explicit mirrors, got %v", mirrors)
	}
	if cfg.Session.BlockSize != 512 || cfg.Session.LockRetries != -1 {
		t.Errorf("Expected explicit session values, got %+v", cfg.Session)
	}
	if cfg.Limits.HardLimit != 120 {
		t.Errorf("Expected explicit hard limit 120, got %d", cfg.Limits.HardLimit)
	}
	if cfg.Housekeeping.QueueSize != 4 {
		t.Errorf("Expected explicit queue size 4, got %d", cfg.Housekeeping.QueueSize)
	}
}

func TestApplyDefaults_HardLimitFollowsSoftLimit(t *testing.T) {
	cfg := &Config{Limits: LimitsConfig{SoftLimit: 1000}}
	ApplyDefaults(cfg)

	if cfg.Limits.HardLimit != 1100 {
		t.Errorf("Expected hard limit 1100, got %d", cfg.Limits.HardLimit)
	}
}

func TestGetDefaultConfig_Valid(t *testing.T) {
	if err := Validate(GetDefaultConfig()); err != nil {
		t.Fatalf("Default config should be valid: %v", err)
	}
}
