// Package metrics defines what the backup store measures: sessions, checker
// runs, housekeeping passes and object store traffic.
//
// Components take the interfaces in backup.go and never a concrete
// collector. Passing nil (or a no-op) keeps a component silent; the
// Prometheus implementations live in the prometheus subpackage and only
// record once InitRegistry has run.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry turns collection on for the process. The registry starts
// with the Go runtime and process collectors so a housekeeping daemon
// reports its own health next to the store metrics. Later calls do nothing.
func InitRegistry() {
	registryOnce.Do(func() {
		r := prometheus.NewRegistry()
		r.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		registry = r
	})
}

// GetRegistry returns the process registry, or nil while collection is off.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has run.
func IsEnabled() bool {
	return GetRegistry() != nil
}
