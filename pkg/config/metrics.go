package config

import (
	"github.com/marmos91/dittobackup/pkg/metrics"
	promMetrics "github.com/marmos91/dittobackup/pkg/metrics/prometheus"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// The collectors below are never nil; they are no-ops when disabled.
	Session      metrics.SessionMetrics
	Check        metrics.CheckMetrics
	Housekeeping metrics.HousekeepingMetrics

	// Objects is nil when disabled so the object store is left unwrapped
	Objects metrics.ObjectStoreMetrics
}

// InitializeMetrics creates and initializes all metrics components based on configuration.
//
// If metrics are enabled in the configuration:
//   - Initializes the global Prometheus registry
//   - Creates the metrics HTTP server
//   - Creates Prometheus-backed metrics instances for all components
//
// If metrics are disabled:
//   - Returns nil server
//   - Returns no-op metrics implementations (zero overhead)
//
// Call it once per process: the collectors register with the global registry.
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Server.Metrics.Enabled {
		return &MetricsResult{
			Session:      metrics.NewNoopSessionMetrics(),
			Check:        metrics.NewNoopCheckMetrics(),
			Housekeeping: metrics.NewNoopHousekeepingMetrics(),
		}
	}

	metrics.InitRegistry()

	server := metrics.NewServer(metrics.ServerConfig{
		Port: cfg.Server.Metrics.Port,
	})

	return &MetricsResult{
		Server:       server,
		Session:      promMetrics.NewSessionMetrics(),
		Check:        promMetrics.NewCheckMetrics(),
		Housekeeping: promMetrics.NewHousekeepingMetrics(),
		Objects:      promMetrics.NewObjectStoreMetrics(cfg.Objects.Type),
	}
}
