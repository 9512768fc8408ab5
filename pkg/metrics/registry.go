// Package metrics exposes Prometheus instrumentation for the index,
// trunk allocator, binlog, replication pipeline, recovery pipeline, and
// client request path.
//
// Grounded on the teacher's pkg/metrics/cache.go nil-safe-observer
// pattern (every Observe* method is a no-op on a nil receiver, so
// callers pass the same *Metrics through regardless of whether
// collection is enabled) and pkg/metrics/prometheus/cache.go's
// promauto-against-a-registry construction. The teacher's own
// registry.go (InitRegistry/IsEnabled/GetRegistry, referenced by both
// cache.go and s3.go's doc comments) did not come through in this
// retrieval; this file reconstructs it from those call sites' doc
// comments and config.go's MetricsConfig shape.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry *prometheus.Registry
	enabled  atomic.Bool
)

// InitRegistry creates (or returns the existing) Prometheus registry
// and marks metrics collection enabled. Must be called before New if
// metrics are wanted; skipping it leaves IsEnabled false and New
// returns nil.
func InitRegistry() *prometheus.Registry {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	enabled.Store(true)
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return enabled.Load()
}

// GetRegistry returns the active registry, initializing it first if
// needed.
func GetRegistry() *prometheus.Registry {
	if registry == nil {
		return InitRegistry()
	}
	return registry
}
