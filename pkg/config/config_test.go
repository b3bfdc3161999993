package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
logging:
  level: "INFO"

objects:
  type: "filesystem"
  filesystem:
    mirrors:
      - "` + filepath.Join(tmpDir, "a") + `"
      - "` + filepath.Join(tmpDir, "b") + `"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "stdout" {
		t.Errorf("Expected default output 'stdout', got %q", cfg.Logging.Output)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("Expected default shutdown_timeout 30s, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Session.BlockSize != 4096 {
		t.Errorf("Expected default block_size 4096, got %d", cfg.Session.BlockSize)
	}
	mirrors, ok := cfg.Objects.Filesystem["mirrors"].([]any)
	if !ok || len(mirrors) != 2 {
		t.Errorf("Expected two configured mirrors, got %v", cfg.Objects.Filesystem["mirrors"])
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	// A missing explicit path must not fall back to ~/.config/dittobackup/
	tmpDir := t.TempDir()
	nonExistentPath := filepath.Join(tmpDir, "nonexistent.yaml")

	cfg, err := Load(nonExistentPath)
	if err != nil {
		t.Fatalf("Expected no error with missing config file, got: %v", err)
	}

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Objects.Type != "filesystem" {
		t.Errorf("Expected default object store type 'filesystem', got %q", cfg.Objects.Type)
	}
	if cfg.Accounts.Type != "badger" {
		t.Errorf("Expected default account database type 'badger', got %q", cfg.Accounts.Type)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	configContent := `
logging:
  level: INFO
  invalid yaml here [[[
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected error for invalid YAML")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
objects:
  type: "tape"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected validation error for unknown object store type")
	}
}

func TestLoad_EnvironmentOverride(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
logging:
  level: "INFO"
housekeeping:
  interval: 10m
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	t.Setenv("DITTOBACKUP_LOGGING_LEVEL", "debug")
	t.Setenv("DITTOBACKUP_LIMITS_SOFT_LIMIT", "500")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected environment level 'DEBUG', got %q", cfg.Logging.Level)
	}
	if cfg.Limits.SoftLimit != 500 {
		t.Errorf("Expected environment soft_limit 500, got %d", cfg.Limits.SoftLimit)
	}
	if cfg.Limits.HardLimit != 550 {
		t.Errorf("Expected derived hard_limit 550, got %d", cfg.Limits.HardLimit)
	}
	if cfg.Housekeeping.Interval != 10*time.Minute {
		t.Errorf("Expected interval 10m, got %v", cfg.Housekeeping.Interval)
	}
}

func TestGetConfigDir_XDG(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmpDir)

	if got := GetConfigDir(); got != filepath.Join(tmpDir, "dittobackup") {
		t.Errorf("Expected XDG config dir, got %q", got)
	}
	if got := GetDefaultConfigPath(); got != filepath.Join(tmpDir, "dittobackup", "config.yaml") {
		t.Errorf("Expected default config path under XDG dir, got %q", got)
	}
	if ConfigExists() {
		t.Error("Expected no config file in a fresh directory")
	}
}
