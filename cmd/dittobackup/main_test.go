package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestConfig points every store at a temporary directory.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
logging:
  level: ERROR
objects:
  type: filesystem
  filesystem:
    mirrors:
      - ` + filepath.Join(dir, "objects") + `
accounts:
  type: badger
  badger:
    db_path: ` + filepath.Join(dir, "accounts") + `
lock:
  type: file
  dir: ` + filepath.Join(dir, "locks") + `
session:
  block_size: 256
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestParseAccountID(t *testing.T) {
	id, err := parseAccountID("0x0000ABCD")
	require.NoError(t, err)
	assert.Equal(t, uint32(0xabcd), id)

	id, err = parseAccountID("12")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x12), id)

	_, err = parseAccountID("123456789")
	assert.Error(t, err)
	_, err = parseAccountID("xyz")
	assert.Error(t, err)
}

func TestParseObjectID(t *testing.T) {
	id, err := parseObjectID("0x1f")
	require.NoError(t, err)
	assert.Equal(t, int64(0x1f), id)

	_, err = parseObjectID("0")
	assert.Error(t, err)
}

func TestHumanSize(t *testing.T) {
	assert.Equal(t, "512 B", humanSize(512))
	assert.Equal(t, "4.0 KiB", humanSize(4096))
	assert.Equal(t, "1.5 MiB", humanSize(1536*1024))
}

func TestAccountLifecycle(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := run(t, "--config", cfgPath, "create", "2a", "alice", "--soft", "100", "--hard", "200")
	require.NoError(t, err)
	assert.Contains(t, out, "Account 0000002a (alice) created")

	_, err = run(t, "--config", cfgPath, "create", "2a", "again")
	assert.Error(t, err)

	out, err = run(t, "--config", cfgPath, "info", "0x2a", "--format", "json")
	require.NoError(t, err)
	var info infoOutput
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "0000002a", info.AccountID)
	assert.Equal(t, "alice", info.AccountName)
	assert.Equal(t, int64(100), info.BlocksSoftLimit)
	assert.Equal(t, int64(1), info.NumDirectories)
	assert.Equal(t, int64(256), info.BlockSize)

	out, err = run(t, "--config", cfgPath, "info", "2a")
	require.NoError(t, err)
	assert.Contains(t, out, "Soft limit")

	out, err = run(t, "--config", cfgPath, "ls", "2a")
	require.NoError(t, err)
	assert.Contains(t, out, "0 entries")

	out, err = run(t, "--config", cfgPath, "check", "2a", "--quiet")
	require.NoError(t, err)
	assert.Contains(t, out, "0 errors found")

	out, err = run(t, "--config", cfgPath, "housekeep", "2a", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "account=0000002a")

	out, err = run(t, "--config", cfgPath, "housekeep")
	require.NoError(t, err)
	assert.Contains(t, out, "files_removed=0")
}

func TestCheckMissingAccountFails(t *testing.T) {
	cfgPath := writeTestConfig(t)

	_, err := run(t, "--config", cfgPath, "info", "99")
	assert.Error(t, err)

	_, err = run(t, "--config", cfgPath, "check", "99")
	require.Error(t, err)
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		assert.Equal(t, 1, exitErr.code)
	}
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "generated.yaml")

	out, err := run(t, "config", "init", "--path", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	_, err = run(t, "config", "init", "--path", path)
	assert.Error(t, err)

	_, err = run(t, "config", "init", "--path", path, "--force")
	require.NoError(t, err)
}
