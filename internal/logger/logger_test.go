package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetLogger(t *testing.T) {
	t.Cleanup(func() {
		require.NoError(t, Configure("INFO", "text", "stdout"))
	})
}

func TestLevelFiltering(t *testing.T) {
	resetLogger(t)
	var buf bytes.Buffer
	require.NoError(t, Configure("WARN", "text", "stdout"))
	SetOutput(&buf)

	Info("hidden %d", 1)
	Warn("shown %d", 2)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN] shown 2")
}

func TestJSONFormat(t *testing.T) {
	resetLogger(t)
	var buf bytes.Buffer
	require.NoError(t, Configure("debug", "json", "stdout"))
	SetOutput(&buf)

	Debug("account %08x", 0x2a)

	var line struct {
		Level string `json:"level"`
		Msg   string `json:"msg"`
	}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &line))
	assert.Equal(t, "DEBUG", line.Level)
	assert.Equal(t, "account 0000002a", line.Msg)
}

func TestFileOutput(t *testing.T) {
	resetLogger(t)
	path := filepath.Join(t.TempDir(), "dittobackup.log")
	require.NoError(t, Configure("INFO", "text", path))

	Error("disk %s failed", "a")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[ERROR] disk a failed")
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.Equal(t, "UNKNOWN", Level(9).String())
}
