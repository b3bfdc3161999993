// Package prometheus implements the metrics interfaces on the shared
// Prometheus registry.
package prometheus

import (
	"fmt"
	"time"

	"github.com/marmos91/dittobackup/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func accountLabel(id uint32) string {
	return fmt.Sprintf("%08x", id)
}

// ============================================================================
// Session
// ============================================================================

type sessionMetrics struct {
	commandsTotal     *prometheus.CounterVec
	commandDuration   *prometheus.HistogramVec
	cacheLookups      *prometheus.CounterVec
	cachedDirectories prometheus.Gauge
	bytesStoredTotal  prometheus.Counter
}

// NewSessionMetrics returns Prometheus-backed SessionMetrics, or a no-op
// implementation if InitRegistry was not called.
func NewSessionMetrics() metrics.SessionMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopSessionMetrics()
	}
	reg := metrics.GetRegistry()

	return &sessionMetrics{
		commandsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittobackup_session_commands_total",
				Help: "Total number of session commands by command and status",
			},
			[]string{"command", "status"},
		),
		commandDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "dittobackup_session_command_duration_seconds",
				Help: "Duration of session commands in seconds",
				Buckets: []float64{
					0.001, // 1ms
					0.01,  // 10ms
					0.1,   // 100ms
					1.0,   // 1s
					10.0,  // 10s
				},
			},
			[]string{"command"},
		),
		cacheLookups: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittobackup_session_directory_cache_lookups_total",
				Help: "Directory cache lookups by result",
			},
			[]string{"result"}, // hit or miss
		),
		cachedDirectories: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "dittobackup_session_cached_directories",
				Help: "Directories currently held in the session cache",
			},
		),
		bytesStoredTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dittobackup_session_bytes_stored_total",
				Help: "Total stored bytes of file objects added by sessions",
			},
		),
	}
}

func (m *sessionMetrics) RecordCommand(command string, duration time.Duration, err error) {
	m.commandsTotal.WithLabelValues(command, status(err)).Inc()
	m.commandDuration.WithLabelValues(command).Observe(duration.Seconds())
}

func (m *sessionMetrics) RecordDirectoryCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *sessionMetrics) SetCachedDirectories(n int) {
	m.cachedDirectories.Set(float64(n))
}

func (m *sessionMetrics) RecordBytesStored(bytes int64) {
	m.bytesStoredTotal.Add(float64(bytes))
}

// ============================================================================
// Checker
// ============================================================================

type checkMetrics struct {
	runsTotal      *prometheus.CounterVec
	errorsFound    *prometheus.GaugeVec
	objectsScanned *prometheus.GaugeVec
	runDuration    *prometheus.HistogramVec
}

// NewCheckMetrics returns Prometheus-backed CheckMetrics.
func NewCheckMetrics() metrics.CheckMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopCheckMetrics()
	}
	reg := metrics.GetRegistry()

	return &checkMetrics{
		runsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittobackup_check_runs_total",
				Help: "Consistency checker runs by account and mode",
			},
			[]string{"account", "mode"}, // mode: fix or report
		),
		errorsFound: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dittobackup_check_errors_found",
				Help: "Errors found by the last checker run",
			},
			[]string{"account"},
		),
		objectsScanned: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dittobackup_check_objects_scanned",
				Help: "Objects scanned by the last checker run",
			},
			[]string{"account"},
		),
		runDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dittobackup_check_duration_seconds",
				Help:    "Duration of checker runs in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
			},
			[]string{"account"},
		),
	}
}

func (m *checkMetrics) RecordCheck(accountID uint32, fix bool, errorsFound, objectsScanned int, duration time.Duration) {
	acct := accountLabel(accountID)
	mode := "report"
	if fix {
		mode = "fix"
	}
	m.runsTotal.WithLabelValues(acct, mode).Inc()
	m.errorsFound.WithLabelValues(acct).Set(float64(errorsFound))
	m.objectsScanned.WithLabelValues(acct).Set(float64(objectsScanned))
	m.runDuration.WithLabelValues(acct).Observe(duration.Seconds())
}

// ============================================================================
// Housekeeping
// ============================================================================

type housekeepingMetrics struct {
	runsTotal      *prometheus.CounterVec
	objectsDeleted *prometheus.CounterVec
	blocksFreed    *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
}

// NewHousekeepingMetrics returns Prometheus-backed HousekeepingMetrics.
func NewHousekeepingMetrics() metrics.HousekeepingMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopHousekeepingMetrics()
	}
	reg := metrics.GetRegistry()

	return &housekeepingMetrics{
		runsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittobackup_housekeeping_runs_total",
				Help: "Housekeeping passes by account and status",
			},
			[]string{"account", "status"},
		),
		objectsDeleted: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittobackup_housekeeping_objects_deleted_total",
				Help: "Objects deleted by housekeeping",
			},
			[]string{"account"},
		),
		blocksFreed: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittobackup_housekeeping_blocks_freed_total",
				Help: "Blocks reclaimed by housekeeping",
			},
			[]string{"account"},
		),
		runDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dittobackup_housekeeping_duration_seconds",
				Help:    "Duration of housekeeping passes in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
			},
			[]string{"account"},
		),
	}
}

func (m *housekeepingMetrics) RecordRun(accountID uint32, objectsDeleted int, blocksFreed int64, duration time.Duration, err error) {
	acct := accountLabel(accountID)
	m.runsTotal.WithLabelValues(acct, status(err)).Inc()
	m.objectsDeleted.WithLabelValues(acct).Add(float64(objectsDeleted))
	m.blocksFreed.WithLabelValues(acct).Add(float64(blocksFreed))
	m.runDuration.WithLabelValues(acct).Observe(duration.Seconds())
}

// ============================================================================
// Object store
// ============================================================================

type objectStoreMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	bytesTransferred  *prometheus.CounterVec
}

// NewObjectStoreMetrics returns Prometheus-backed ObjectStoreMetrics for the
// named backend ("fs", "s3", "memory").
func NewObjectStoreMetrics(backend string) metrics.ObjectStoreMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopObjectStoreMetrics()
	}
	reg := metrics.GetRegistry()
	labels := prometheus.Labels{"backend": backend}

	return &objectStoreMetrics{
		operationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name:        "dittobackup_object_operations_total",
				Help:        "Object store operations by operation and status",
				ConstLabels: labels,
			},
			[]string{"operation", "status"},
		),
		operationDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "dittobackup_object_operation_duration_seconds",
				Help:        "Duration of object store operations in seconds",
				ConstLabels: labels,
				Buckets: []float64{
					0.001, // 1ms
					0.01,  // 10ms
					0.05,  // 50ms
					0.25,  // 250ms
					1.0,   // 1s
					5.0,   // 5s
				},
			},
			[]string{"operation"},
		),
		bytesTransferred: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name:        "dittobackup_object_bytes_transferred_total",
				Help:        "Bytes moved by object store operations",
				ConstLabels: labels,
			},
			[]string{"operation"},
		),
	}
}

func (m *objectStoreMetrics) RecordOperation(operation string, duration time.Duration, bytes int64, err error) {
	m.operationsTotal.WithLabelValues(operation, status(err)).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if bytes > 0 {
		m.bytesTransferred.WithLabelValues(operation).Add(float64(bytes))
	}
}
