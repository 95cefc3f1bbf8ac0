// Package metrics carries Bay's background-loop instrumentation: the GC
// cycle's per-task cleaned_count and a gauge for currently-live sessions.
// This is ambient operational visibility, not the HTTP/JSON metrics API
// surface the spec excludes — no handler in this repository serves these.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// GCCleanedTotal counts items reclaimed by each GC task, labeled by
	// task name so a dashboard can break down idle_session_gc vs
	// expired_sandbox_gc vs orphan_container_gc vs orphan_workspace_gc.
	GCCleanedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bay",
		Subsystem: "gc",
		Name:      "cleaned_total",
		Help:      "Items reclaimed per garbage collection task.",
	}, []string{"task"})

	// GCCycleErrorsTotal counts task failures, labeled the same way.
	GCCycleErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bay",
		Subsystem: "gc",
		Name:      "cycle_errors_total",
		Help:      "Garbage collection task failures.",
	}, []string{"task"})

	// LiveSessions is a gauge of sessions the sandbox manager has created
	// and not yet destroyed: incremented when EnsureRunning creates a
	// session, decremented when Stop or Delete destroys one.
	LiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bay",
		Subsystem: "session",
		Name:      "live",
		Help:      "Sessions created and not yet destroyed.",
	})
)

func init() {
	prometheus.MustRegister(GCCleanedTotal, GCCycleErrorsTotal, LiveSessions)
}
