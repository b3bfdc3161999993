package metrics

import "time"

// SessionMetrics observes a client session.
type SessionMetrics interface {
	// RecordCommand records one dispatched command with its outcome.
	RecordCommand(command string, duration time.Duration, err error)

	// RecordDirectoryCache records a directory cache lookup.
	RecordDirectoryCache(hit bool)

	// SetCachedDirectories reports the current size of the directory cache.
	SetCachedDirectories(n int)

	// RecordBytesStored records the stored size of a new file object.
	RecordBytesStored(bytes int64)
}

// CheckMetrics observes consistency checker runs.
type CheckMetrics interface {
	RecordCheck(accountID uint32, fix bool, errorsFound, objectsScanned int, duration time.Duration)
}

// HousekeepingMetrics observes housekeeping passes.
type HousekeepingMetrics interface {
	RecordRun(accountID uint32, objectsDeleted int, blocksFreed int64, duration time.Duration, err error)
}

// ObjectStoreMetrics observes object store calls.
type ObjectStoreMetrics interface {
	// RecordOperation records one call. bytes is the payload moved, 0 for
	// calls that move none.
	RecordOperation(operation string, duration time.Duration, bytes int64, err error)
}

// NewNoopSessionMetrics returns a SessionMetrics that records nothing.
func NewNoopSessionMetrics() SessionMetrics { return noopSessionMetrics{} }

// NewNoopCheckMetrics returns a CheckMetrics that records nothing.
func NewNoopCheckMetrics() CheckMetrics { return noopCheckMetrics{} }

// NewNoopHousekeepingMetrics returns a HousekeepingMetrics that records nothing.
func NewNoopHousekeepingMetrics() HousekeepingMetrics { return noopHousekeepingMetrics{} }

// NewNoopObjectStoreMetrics returns an ObjectStoreMetrics that records nothing.
func NewNoopObjectStoreMetrics() ObjectStoreMetrics { return noopObjectStoreMetrics{} }

type noopSessionMetrics struct{}

func (noopSessionMetrics) RecordCommand(string, time.Duration, error) {}
func (noopSessionMetrics) RecordDirectoryCache(bool)                  {}
func (noopSessionMetrics) SetCachedDirectories(int)                   {}
func (noopSessionMetrics) RecordBytesStored(int64)                    {}

type noopCheckMetrics struct{}

func (noopCheckMetrics) RecordCheck(uint32, bool, int, int, time.Duration) {}

type noopHousekeepingMetrics struct{}

func (noopHousekeepingMetrics) RecordRun(uint32, int, int64, time.Duration, error) {}

type noopObjectStoreMetrics struct{}

func (noopObjectStoreMetrics) RecordOperation(string, time.Duration, int64, error) {}
