package prometheus

import (
	"errors"
	"testing"
	"time"

	"github.com/marmos91/dittobackup/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The registry is process-wide: this test covers the disabled and the
// enabled state in order.
func TestBackupMetrics(t *testing.T) {
	require.False(t, metrics.IsEnabled())
	assert.Equal(t, metrics.NewNoopSessionMetrics(), NewSessionMetrics())
	assert.Equal(t, metrics.NewNoopObjectStoreMetrics(), NewObjectStoreMetrics("memory"))

	metrics.InitRegistry()
	require.True(t, metrics.IsEnabled())

	session := NewSessionMetrics()
	session.RecordCommand("StoreFile", 3*time.Millisecond, nil)
	session.RecordCommand("GetFile", time.Millisecond, errors.New("missing"))
	session.RecordDirectoryCache(true)
	session.SetCachedDirectories(4)
	session.RecordBytesStored(1024)

	NewCheckMetrics().RecordCheck(0x2a, true, 2, 10, time.Second)
	NewHousekeepingMetrics().RecordRun(0x2a, 3, 12, time.Second, nil)
	NewObjectStoreMetrics("fs").RecordOperation("write", time.Millisecond, 5, nil)

	families, err := metrics.GetRegistry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, want := range []string{
		"dittobackup_session_commands_total",
		"dittobackup_session_directory_cache_lookups_total",
		"dittobackup_session_cached_directories",
		"dittobackup_session_bytes_stored_total",
		"dittobackup_check_runs_total",
		"dittobackup_housekeeping_blocks_freed_total",
		"dittobackup_object_operations_total",
		"dittobackup_object_bytes_transferred_total",
	} {
		assert.True(t, names[want], "missing %s", want)
	}
}
