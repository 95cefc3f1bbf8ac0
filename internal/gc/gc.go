// Package gc implements Bay's background reconciliation loop (C6): four
// coordinated tasks — idle-session reclamation, expired-sandbox deletion,
// orphan-container reaping, orphan-workspace reaping — sharing the same
// per-sandbox lock discipline the synchronous handlers use, fenced by this
// process's instance_id so many Bay instances can share one cluster safely
// (spec §4.6).
package gc

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agentserver/bay/internal/cargo"
	"github.com/agentserver/bay/internal/db"
	"github.com/agentserver/bay/internal/driver"
	"github.com/agentserver/bay/internal/metrics"
	"github.com/agentserver/bay/internal/sandbox"
)

// TaskResult reports one task's outcome, including cleaned_count (spec
// §4.6's "each task reports cleaned_count").
type TaskResult struct {
	Task         string
	CleanedCount int
	Err          error
}

// CycleResult is the outcome of one full GC cycle (one run of all four
// enabled tasks).
type CycleResult struct {
	Results []TaskResult
	At      time.Time
}

// Config governs which tasks run and on what cadence.
type Config struct {
	InstanceID      string
	Interval        time.Duration
	IdleSessionGC   bool
	ExpiredSandbox  bool
	OrphanContainer bool
	OrphanWorkspace bool
	WorkspaceGrace  time.Duration
}

// DefaultConfig matches spec §4.6's defaults: 5s interval, all four tasks
// enabled, and a 5-minute grace period before an orphaned managed cargo is
// reclaimed.
func DefaultConfig(instanceID string) Config {
	return Config{
		InstanceID:      instanceID,
		Interval:        5 * time.Second,
		IdleSessionGC:   true,
		ExpiredSandbox:  true,
		OrphanContainer: true,
		OrphanWorkspace: true,
		WorkspaceGrace:  5 * time.Minute,
	}
}

// Collector runs the GC loop. It reuses the same sandbox/cargo managers the
// synchronous request handlers use, so a delete and an ExpiredSandboxGC can
// never race each other outside the shared per-sandbox lock (spec §4.6's
// "GC atomicity and races").
type Collector struct {
	cfg     Config
	db      *db.DB
	drv     driver.Driver
	sbx     *sandbox.Manager
	cargoMg *cargo.Manager
}

// NewCollector builds a Collector.
func NewCollector(cfg Config, database *db.DB, drv driver.Driver, sbx *sandbox.Manager, cargoMgr *cargo.Manager) *Collector {
	return &Collector{cfg: cfg, db: database, drv: drv, sbx: sbx, cargoMg: cargoMgr}
}

// Run starts the periodic loop on a cron schedule of "@every <interval>",
// blocking until ctx is canceled. The teacher's own background-ticker-
// with-shutdown-channel shape (one goroutine, one RunOnce() per tick, spec
// §9) is kept; cron.Cron supplies the ticking instead of a bare
// time.Ticker so the interval reads as a schedule spec, not a raw
// duration, matching how the rest of the pack schedules reconciliation
// loops.
func (c *Collector) Run(ctx context.Context) {
	sched := cron.New()
	_, err := sched.AddFunc(fmt.Sprintf("@every %s", c.cfg.Interval), func() {
		result := c.RunOnce(ctx)
		for _, r := range result.Results {
			if r.Err != nil {
				log.Printf("gc: task %s failed: %v", r.Task, r.Err)
			} else if r.CleanedCount > 0 {
				log.Printf("gc: task %s cleaned %d", r.Task, r.CleanedCount)
			}
		}
	})
	if err != nil {
		log.Printf("gc: failed to schedule cycle: %v", err)
		return
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()
	<-ctx.Done()
}

// RunOnce executes one cycle synchronously — the seam the admin
// force-a-cycle endpoint and tests use for determinism (spec §4.6).
func (c *Collector) RunOnce(ctx context.Context) CycleResult {
	var results []TaskResult
	if c.cfg.IdleSessionGC {
		results = append(results, c.idleSessionGC(ctx))
	}
	if c.cfg.ExpiredSandbox {
		results = append(results, c.expiredSandboxGC(ctx))
	}
	if c.cfg.OrphanContainer {
		results = append(results, c.orphanContainerGC(ctx))
	}
	if c.cfg.OrphanWorkspace {
		results = append(results, c.orphanWorkspaceGC(ctx))
	}
	for _, r := range results {
		if r.Err != nil {
			metrics.GCCycleErrorsTotal.WithLabelValues(r.Task).Inc()
			continue
		}
		metrics.GCCleanedTotal.WithLabelValues(r.Task).Add(float64(r.CleanedCount))
	}
	return CycleResult{Results: results, At: time.Now()}
}

// idleSessionGC destroys the live session of every sandbox whose
// idle_expires_at has passed, returning it to status idle (spec §4.6 Task
// 1). The cargo volume is untouched, so a subsequent capability call
// transparently rebuilds compute.
func (c *Collector) idleSessionGC(ctx context.Context) TaskResult {
	const task = "idle_session_gc"
	sandboxes, err := c.db.ListIdleExpired(time.Now())
	if err != nil {
		return TaskResult{Task: task, Err: err}
	}

	cleaned := 0
	for _, row := range sandboxes {
		// sandbox.Stop no-ops if the sandbox is already gone or has no live
		// session by the time the lock is acquired — an already-stopped
		// session is not an error (spec §7's "recovered locally" list).
		if err := c.sbx.Stop(ctx, row.ID, row.Owner); err != nil {
			log.Printf("gc: idle_session_gc: sandbox %s: %v", row.ID, err)
			continue
		}
		cleaned++
	}
	return TaskResult{Task: task, CleanedCount: cleaned}
}

// expiredSandboxGC invokes the full delete path for every sandbox whose TTL
// has passed (spec §4.6 Task 2). Races with a concurrent user-initiated
// delete are resolved by the per-sandbox lock: whichever acquires it first
// wins, the loser observes deleted_at already set and no-ops.
func (c *Collector) expiredSandboxGC(ctx context.Context) TaskResult {
	const task = "expired_sandbox_gc"
	sandboxes, err := c.db.ListTTLExpired(time.Now())
	if err != nil {
		return TaskResult{Task: task, Err: err}
	}

	cleaned := 0
	for _, row := range sandboxes {
		if err := c.sbx.Delete(ctx, row.ID, row.Owner); err != nil {
			log.Printf("gc: expired_sandbox_gc: sandbox %s: %v", row.ID, err)
			continue
		}
		cleaned++
	}
	return TaskResult{Task: task, CleanedCount: cleaned}
}

// orphanContainerGC enumerates every container instance this process
// created (managed=true, instance_id=self) and destroys any that no live
// session references (spec §4.6 Task 3). Instances stamped with a different
// instance_id are never enumerated by the driver filter in the first place,
// so the strict fence is enforced before this code ever sees them.
func (c *Collector) orphanContainerGC(ctx context.Context) TaskResult {
	const task = "orphan_container_gc"
	instances, err := c.drv.ListRuntimeInstances(ctx, map[string]string{
		"managed":     "true",
		"instance_id": c.cfg.InstanceID,
	})
	if err != nil {
		return TaskResult{Task: task, Err: err}
	}

	live, err := c.db.ListLiveContainerIDs()
	if err != nil {
		return TaskResult{Task: task, Err: err}
	}

	cleaned := 0
	for _, inst := range instances {
		if inst.Labels["instance_id"] != c.cfg.InstanceID || inst.Labels["managed"] != "true" {
			// Belongs to another Bay process or isn't ours; never touch it
			// even if the driver's filter was loose (defense in depth).
			continue
		}
		if live[inst.ID] {
			continue
		}
		if err := c.drv.DestroyRuntimeInstance(ctx, inst.ID); err != nil {
			log.Printf("gc: orphan_container_gc: instance %s: %v", inst.ID, err)
			continue
		}
		cleaned++
	}
	return TaskResult{Task: task, CleanedCount: cleaned}
}

// orphanWorkspaceGC deletes managed cargo volumes whose owning sandbox is
// gone (deleted, or never committed past the cargo-create step) and older
// than the grace period (spec §4.6 Task 4).
func (c *Collector) orphanWorkspaceGC(ctx context.Context) TaskResult {
	const task = "orphan_workspace_gc"
	orphaned, err := c.cargoMg.ListOrphaned(ctx, c.cfg.WorkspaceGrace)
	if err != nil {
		return TaskResult{Task: task, Err: err}
	}

	cleaned := 0
	for _, c2 := range orphaned {
		if err := c.cargoMg.DeleteOrphaned(ctx, c2); err != nil {
			log.Printf("gc: orphan_workspace_gc: cargo %s: %v", c2.ID, err)
			continue
		}
		cleaned++
	}
	return TaskResult{Task: task, CleanedCount: cleaned}
}
