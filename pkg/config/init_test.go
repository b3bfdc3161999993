package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestInitConfig_Success(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmpDir)

	configPath, err := InitConfig(false)
	if err != nil {
		t.Fatalf("InitConfig failed: %v", err)
	}
	if configPath != filepath.Join(tmpDir, "dittobackup", "config.yaml") {
		t.Errorf("Unexpected config path %q", configPath)
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}

	contentStr := string(content)
	expectedSections := []string{
		"# DittoBackup Configuration File",
		"logging:",
		"objects:",
		"accounts:",
		"lock:",
		"session:",
		"limits:",
		"housekeeping:",
		"store_info_save_delay:",
	}
	for _, section := range expectedSections {
		if !strings.Contains(contentStr, section) {
			t.Errorf("Config file missing section: %s", section)
		}
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(content, &parsed); err != nil {
		t.Fatalf("Generated config is not valid YAML: %v", err)
	}
}

func TestInitConfig_AlreadyExists(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if _, err := InitConfig(false); err != nil {
		t.Fatalf("First InitConfig failed: %v", err)
	}

	_, err := InitConfig(false)
	if err == nil {
		t.Fatal("Expected error when config already exists")
	}
	if !strings.Contains(err.Error(), "already exists") {
		t.Errorf("Expected 'already exists' error, got: %v", err)
	}

	if _, err := InitConfig(true); err != nil {
		t.Fatalf("InitConfig with force failed: %v", err)
	}
}

func TestInitConfigToPath_RoundTrip(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nested", "dir", "config.yaml")

	if err := InitConfigToPath(configPath, false); err != nil {
		t.Fatalf("InitConfigToPath failed: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Generated config does not load: %v", err)
	}

	defaults := GetDefaultConfig()
	if cfg.Session != defaults.Session {
		t.Errorf("Session section changed on round trip: %+v vs %+v", cfg.Session, defaults.Session)
	}
	if cfg.Housekeeping != defaults.Housekeeping {
		t.Errorf("Housekeeping section changed on round trip: %+v vs %+v", cfg.Housekeeping, defaults.Housekeeping)
	}
	if cfg.Server.ShutdownTimeout != defaults.Server.ShutdownTimeout {
		t.Errorf("Expected shutdown timeout %v, got %v", defaults.Server.ShutdownTimeout, cfg.Server.ShutdownTimeout)
	}
	if cfg.Accounts.Badger["db_path"] != defaults.Accounts.Badger["db_path"] {
		t.Errorf("Expected badger db_path %v, got %v", defaults.Accounts.Badger["db_path"], cfg.Accounts.Badger["db_path"])
	}
}
