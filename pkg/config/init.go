package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// sectionComments documents each top-level section of a generated file, in
// the order the sections are written.
var sectionComments = []struct {
	key     string
	comment string
}{
	{"logging", "Logging: level (DEBUG, INFO, WARN, ERROR), format (text, json), output (stdout, stderr, file path)"},
	{"server", "Process settings and the Prometheus endpoint"},
	{"objects", "Object store holding directory and file objects: filesystem, memory or s3"},
	{"accounts", "Account database holding StoreInfo records and reference counts: badger or memory"},
	{"lock", "Account write lock: file (shared between processes) or memory (one process)"},
	{"session", "Store context tuning: block size, StoreInfo save coalescing, directory cache, lock retries"},
	{"limits", "Soft and hard limits, in blocks, of new accounts"},
	{"check", "Consistency checker"},
	{"housekeeping", "Space reclaim worker"},
}

// InitConfig writes a default configuration file to the default location and
// returns its path. An existing file is only replaced when force is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a default configuration file to path.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content, err := generateYAMLWithComments(GetDefaultConfig())
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// generateYAMLWithComments renders cfg with its mapstructure keys, so the
// file loads back through viper unchanged, and a comment above each section.
func generateYAMLWithComments(cfg *Config) (string, error) {
	var sections map[string]any
	if err := mapstructure.Decode(cfg, &sections); err != nil {
		return "", fmt.Errorf("failed to convert config: %w", err)
	}

	root := &yaml.Node{Kind: yaml.MappingNode}
	for _, s := range sectionComments {
		value, ok := sections[s.key]
		if !ok {
			continue
		}
		var valueNode yaml.Node
		if err := valueNode.Encode(value); err != nil {
			return "", fmt.Errorf("failed to encode %s: %w", s.key, err)
		}
		root.Content = append(root.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: s.key, HeadComment: s.comment},
			&valueNode,
		)
	}

	var b strings.Builder
	b.WriteString("# DittoBackup Configuration File\n")
	b.WriteString("#\n")
	b.WriteString("# Environment variables override these values: DITTOBACKUP_<SECTION>_<KEY>,\n")
	b.WriteString("# e.g. DITTOBACKUP_LOGGING_LEVEL=DEBUG\n\n")

	enc := yaml.NewEncoder(&b)
	enc.SetIndent(2)
	if err := enc.Encode(&yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{root}}); err != nil {
		return "", fmt.Errorf("failed to render config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("failed to render config: %w", err)
	}
	return b.String(), nil
}
