// Package metrics exposes Prometheus instrumentation for the daemon's
// core components (InodeMap, Journal, Overlay, PrivHelper), mirroring the
// per-operation counter/gauge style the teacher uses for its filesystem
// op and GCS-call metrics (common/otel_metrics.go), but built on
// client_golang instead of OpenTelemetry: this module doesn't export
// traces or hand off to a cloud-telemetry backend, so the simpler direct
// Prometheus registry is a better fit than pulling in the OTel SDK.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// FSOpKey-style label names, matching the teacher's convention of naming
// the label after what it annotates.
const (
	labelOp     = "fs_op"
	labelResult = "result"
)

// Registry bundles every instrument this daemon exposes. A fresh Registry
// should be created per-process via NewRegistry, which registers against
// the Registerer it is given (a nil Registerer leaves the instruments
// unregistered).
type Registry struct {
	InodeMapLookups   *prometheus.CounterVec
	InodeMapLoaded    prometheus.Gauge
	InodeMapUnloaded  *prometheus.CounterVec
	JournalAppends    *prometheus.CounterVec
	JournalSequence   prometheus.Gauge
	JournalMemoryUsed prometheus.Gauge
	OverlaySaves      *prometheus.CounterVec
	OverlayLoads      *prometheus.CounterVec
	PrivHelperCalls   *prometheus.CounterVec
	PrivHelperMounts  prometheus.Gauge
}

// NewRegistry constructs and registers every instrument against reg.
// Passing prometheus.NewRegistry() (rather than the package default)
// keeps test instantiations isolated from each other.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		InodeMapLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edenfs",
			Subsystem: "inode_map",
			Name:      "lookups_total",
			Help:      "Inode lookups, partitioned by whether the inode was already loaded.",
		}, []string{"state"}),
		InodeMapLoaded: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "edenfs",
			Subsystem: "inode_map",
			Name:      "loaded_inodes",
			Help:      "Number of inodes currently loaded in memory.",
		}),
		InodeMapUnloaded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edenfs",
			Subsystem: "inode_map",
			Name:      "unloaded_total",
			Help:      "Inodes unloaded, partitioned by reason (unreferenced, stale-sweep, shutdown).",
		}, []string{"reason"}),
		JournalAppends: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edenfs",
			Subsystem: "journal",
			Name:      "appends_total",
			Help:      "Journal deltas appended, partitioned by kind (file_change, root_update).",
		}, []string{"kind"}),
		JournalSequence: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "edenfs",
			Subsystem: "journal",
			Name:      "sequence",
			Help:      "Current journal sequence number.",
		}),
		JournalMemoryUsed: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "edenfs",
			Subsystem: "journal",
			Name:      "memory_used_bytes",
			Help:      "Estimated memory used by retained journal deltas.",
		}),
		OverlaySaves: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edenfs",
			Subsystem: "overlay",
			Name:      "saves_total",
			Help:      "Overlay blob writes, partitioned by kind (dir, file).",
		}, []string{"kind"}),
		OverlayLoads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edenfs",
			Subsystem: "overlay",
			Name:      "loads_total",
			Help:      "Overlay blob reads, partitioned by kind (dir, file).",
		}, []string{"kind"}),
		PrivHelperCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edenfs",
			Subsystem: "privhelper",
			Name:      "calls_total",
			Help:      "PrivHelper requests, partitioned by message type and result.",
		}, []string{labelOp, labelResult}),
		PrivHelperMounts: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "edenfs",
			Subsystem: "privhelper",
			Name:      "active_mounts",
			Help:      "Number of mounts currently registered with the privileged helper.",
		}),
	}
}

// ObserveCall records a single PrivHelper call outcome.
func (r *Registry) ObserveCall(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.PrivHelperCalls.WithLabelValues(op, result).Inc()
}
