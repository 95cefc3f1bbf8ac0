// Package session implements the session manager (C3): create/start/stop/
// destroy of the runtime container(s) backing a sandbox, readiness probing,
// and capability-to-container routing (spec §4.3).
package session

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/agentserver/bay/internal/bayerr"
	"github.com/agentserver/bay/internal/db"
	"github.com/agentserver/bay/internal/driver"
	"github.com/agentserver/bay/internal/profile"
)

const (
	defaultReadinessBudget = 120 * time.Second
	readinessInitialDelay  = 500 * time.Millisecond
	readinessMaxDelay      = 1 * time.Second
)

// Manager is the session manager.
type Manager struct {
	db              *db.DB
	driver          driver.Driver
	httpClient      *http.Client
	instanceID      string
	readinessBudget time.Duration
}

// NewManager builds a session manager. httpClient is shared with the
// capability proxy (spec §5's "one HTTP client pool per Bay process").
func NewManager(database *db.DB, drv driver.Driver, httpClient *http.Client, instanceID string) *Manager {
	return &Manager{
		db:              database,
		driver:          drv,
		httpClient:      httpClient,
		instanceID:      instanceID,
		readinessBudget: defaultReadinessBudget,
	}
}

// Create allocates a new, pending session row for a sandbox.
func (m *Manager) Create(sandboxID, profileID string) (*db.Session, error) {
	id := uuid.NewString()
	if err := m.db.WithTx(func(tx *sql.Tx) error {
		return m.db.CreateSession(tx, id, sandboxID, profileID)
	}); err != nil {
		return nil, bayerr.Internal(err)
	}
	sess, err := m.db.GetSession(id)
	if err != nil {
		return nil, bayerr.Internal(err)
	}
	return sess, nil
}

func baseLabels(owner, sandboxID, sessionID, cargoID, profileID, instanceID string) driver.Labels {
	return driver.Labels{
		Owner:      owner,
		SandboxID:  sandboxID,
		SessionID:  sessionID,
		CargoID:    cargoID,
		ProfileID:  profileID,
		InstanceID: instanceID,
	}
}

// EnsureRunning is the idempotent core of the session manager: concurrent
// calls for the same session observe a single forward progression (spec
// §4.3). cargoRef is the driver-level volume/PVC name; owner is carried
// through to resource labels.
func (m *Manager) EnsureRunning(ctx context.Context, sess *db.Session, owner, cargoRef string, prof *profile.Profile) (*db.Session, error) {
	if sess.ContainerID.Valid && sess.ObservedState == "running" {
		status, err := m.driver.Status(ctx, sess.ContainerID.String, primaryRuntimePort(prof))
		switch {
		case err != nil:
			// Driver unreachable: trust DB state per the spec's documented
			// open-question resolution ("the source keeps trusting").
			return sess, nil
		case status.Status == driver.StatusRunning:
			return sess, nil
		default:
			// exited or not_found: best-effort destroy, reset, fall through
			// to rebuild below.
			_ = m.driver.Destroy(ctx, sess.ContainerID.String)
			if err := m.db.WithTx(func(tx *sql.Tx) error {
				return m.db.UpdateSessionState(tx, sess.ID, sess.DesiredState, "pending", "", "", nil, time.Now())
			}); err != nil {
				return nil, bayerr.Internal(err)
			}
			sess.ContainerID = sql.NullString{}
			sess.Endpoint = sql.NullString{}
			sess.ObservedState = "pending"
		}
	}

	if sess.ObservedState == "starting" {
		return nil, bayerr.SessionNotReady(500)
	}

	labels := baseLabels(owner, sess.SandboxID, sess.ID, "", prof.ID, m.instanceID)

	if prof.IsMulti() {
		return m.ensureRunningMulti(ctx, sess, cargoRef, prof, labels)
	}
	return m.ensureRunningSingle(ctx, sess, cargoRef, prof, labels)
}

func primaryRuntimePort(prof *profile.Profile) int {
	if c, ok := prof.PrimaryContainer(); ok {
		return c.RuntimePort
	}
	return 0
}

func (m *Manager) markStarting(sessID string) error {
	return m.db.WithTx(func(tx *sql.Tx) error {
		return m.db.UpdateSessionState(tx, sessID, "running", "starting", "", "", nil, time.Now())
	})
}

func (m *Manager) markFailed(sessID string) error {
	return m.db.WithTx(func(tx *sql.Tx) error {
		return m.db.UpdateSessionState(tx, sessID, "running", "failed", "", "", nil, time.Now())
	})
}

func envFor(sandboxID, sessionID, containerName string) map[string]string {
	env := map[string]string{
		"BAY_SESSION_ID":     sessionID,
		"BAY_SANDBOX_ID":     sandboxID,
		"BAY_WORKSPACE_PATH": "/workspace",
	}
	if containerName != "" {
		env["BAY_CONTAINER_NAME"] = containerName
	}
	return env
}

func (m *Manager) ensureRunningSingle(ctx context.Context, sess *db.Session, cargoRef string, prof *profile.Profile, labels driver.Labels) (*db.Session, error) {
	c, ok := prof.PrimaryContainer()
	if !ok {
		return nil, bayerr.Validation("profile %s declares no containers", prof.ID)
	}
	labels.RuntimePort = c.RuntimePort
	labels.RuntimeType = c.RuntimeType

	if !sess.ContainerID.Valid {
		if err := m.markStarting(sess.ID); err != nil {
			return nil, bayerr.Internal(err)
		}

		memBytes, err := driver.ParseMemory(c.Resources.Memory)
		if err != nil {
			_ = m.markFailed(sess.ID)
			return nil, bayerr.Validation("invalid memory %q: %v", c.Resources.Memory, err)
		}

		containerID, err := m.driver.Create(ctx, driver.CreateSpec{
			Image:       c.Image,
			RuntimePort: c.RuntimePort,
			MemoryBytes: memBytes,
			NanoCPUs:    int64(c.Resources.CPUs * 1e9),
			Env:         envFor(sess.SandboxID, sess.ID, ""),
			CargoRef:    cargoRef,
			Labels:      labels,
		})
		if err != nil {
			_ = m.markFailed(sess.ID)
			return nil, bayerr.Driver(m.driver.Kind(), err)
		}

		if err := m.db.WithTx(func(tx *sql.Tx) error {
			return m.db.UpdateSessionState(tx, sess.ID, "running", "starting", containerID, "", nil, time.Now())
		}); err != nil {
			return nil, bayerr.Internal(err)
		}
		sess.ContainerID = sql.NullString{String: containerID, Valid: true}
	}

	endpoint, err := m.driver.Start(ctx, sess.ContainerID.String, c.RuntimePort)
	if err != nil {
		_ = m.driver.Destroy(ctx, sess.ContainerID.String)
		_ = m.clearAndFail(sess.ID)
		return nil, bayerr.Driver(m.driver.Kind(), err)
	}

	if err := m.pollHealth(ctx, endpoint, c.HealthCheckPath, c.RuntimeType); err != nil {
		_ = m.driver.Destroy(ctx, sess.ContainerID.String)
		_ = m.clearAndFail(sess.ID)
		return nil, bayerr.Driver(m.driver.Kind(), err)
	}

	descriptors := []db.ContainerDescriptor{{
		Name:        "primary",
		ContainerID: sess.ContainerID.String,
		RuntimeType: c.RuntimeType,
		Endpoint:    endpoint,
		Status:      string(driver.StatusRunning),
	}}
	now := time.Now()
	if err := m.db.WithTx(func(tx *sql.Tx) error {
		return m.db.UpdateSessionState(tx, sess.ID, "running", "running", sess.ContainerID.String, endpoint, descriptors, now)
	}); err != nil {
		return nil, bayerr.Internal(err)
	}

	sess.Endpoint = sql.NullString{String: endpoint, Valid: true}
	sess.ObservedState = "running"
	sess.Containers = descriptors
	return sess, nil
}

func (m *Manager) clearAndFail(sessID string) error {
	return m.db.WithTx(func(tx *sql.Tx) error {
		return m.db.UpdateSessionState(tx, sessID, "running", "failed", "", "", nil, time.Now())
	})
}

func (m *Manager) ensureRunningMulti(ctx context.Context, sess *db.Session, cargoRef string, prof *profile.Profile, labels driver.Labels) (*db.Session, error) {
	if len(sess.Containers) > 0 && sess.ObservedState == "running" {
		return sess, nil
	}

	if err := m.markStarting(sess.ID); err != nil {
		return nil, bayerr.Internal(err)
	}

	networkName, err := m.driver.CreateSessionNetwork(ctx, sess.ID, labels)
	if err != nil {
		_ = m.markFailed(sess.ID)
		return nil, bayerr.Driver(m.driver.Kind(), err)
	}

	specs := make([]driver.CreateSpec, 0, len(prof.Containers))
	for _, c := range prof.Containers {
		memBytes, err := driver.ParseMemory(c.Resources.Memory)
		if err != nil {
			_ = m.driver.RemoveSessionNetwork(ctx, networkName)
			_ = m.markFailed(sess.ID)
			return nil, bayerr.Validation("invalid memory %q: %v", c.Resources.Memory, err)
		}
		cl := labels
		cl.ContainerName = c.Name
		cl.RuntimeType = c.RuntimeType
		cl.RuntimePort = c.RuntimePort
		specs = append(specs, driver.CreateSpec{
			Image:       c.Image,
			RuntimePort: c.RuntimePort,
			MemoryBytes: memBytes,
			NanoCPUs:    int64(c.Resources.CPUs * 1e9),
			Env:         envFor(sess.SandboxID, sess.ID, c.Name),
			CargoRef:    cargoRef,
			Labels:      cl,
		})
	}

	infos, err := m.driver.CreateMulti(ctx, specs, networkName)
	if err != nil {
		m.rollbackMulti(ctx, infos, networkName)
		_ = m.markFailed(sess.ID)
		return nil, bayerr.Driver(m.driver.Kind(), err)
	}

	started, err := m.driver.StartMulti(ctx, infos)
	if err != nil {
		m.rollbackMulti(ctx, started, networkName)
		_ = m.markFailed(sess.ID)
		return nil, bayerr.Driver(m.driver.Kind(), err)
	}

	for i, info := range started {
		c := prof.Containers[i]
		if err := m.pollHealth(ctx, info.Endpoint, c.HealthCheckPath, c.RuntimeType); err != nil {
			m.rollbackMulti(ctx, started, networkName)
			_ = m.markFailed(sess.ID)
			return nil, bayerr.Driver(m.driver.Kind(), err)
		}
	}

	primary, _ := prof.PrimaryContainer()
	primaryIdx := 0
	for i, c := range prof.Containers {
		if c.Name == primary.Name {
			primaryIdx = i
			break
		}
	}

	descriptors := make([]db.ContainerDescriptor, 0, len(started))
	for i, info := range started {
		c := prof.Containers[i]
		caps := make([]string, 0, len(c.Capabilities))
		for cap := range c.Capabilities {
			caps = append(caps, cap)
		}
		descriptors = append(descriptors, db.ContainerDescriptor{
			Name:         info.Name,
			ContainerID:  info.ContainerID,
			RuntimeType:  info.RuntimeType,
			Capabilities: caps,
			Endpoint:     info.Endpoint,
			Status:       string(driver.StatusRunning),
		})
	}

	primaryInfo := started[primaryIdx]
	now := time.Now()
	if err := m.db.WithTx(func(tx *sql.Tx) error {
		return m.db.UpdateSessionState(tx, sess.ID, "running", "running", primaryInfo.ContainerID, primaryInfo.Endpoint, descriptors, now)
	}); err != nil {
		return nil, bayerr.Internal(err)
	}

	sess.ContainerID = sql.NullString{String: primaryInfo.ContainerID, Valid: true}
	sess.Endpoint = sql.NullString{String: primaryInfo.Endpoint, Valid: true}
	sess.ObservedState = "running"
	sess.Containers = descriptors
	return sess, nil
}

// rollbackMulti destroys whatever was created so far and removes the
// session network, swallowing cleanup errors (spec §4.1's "best-effort,
// swallow cleanup errors" all-or-nothing rule).
func (m *Manager) rollbackMulti(ctx context.Context, infos []driver.MultiContainerInfo, networkName string) {
	if err := m.driver.DestroyMulti(ctx, infos); err != nil {
		log.Printf("session rollback: destroy_multi: %v", err)
	}
	if err := m.driver.RemoveSessionNetwork(ctx, networkName); err != nil {
		log.Printf("session rollback: remove_session_network: %v", err)
	}
}

// Stop stops the live container(s) but keeps the session row's history
// intact up to the point of stop; the sandbox manager nulls
// current_session_id separately.
func (m *Manager) Stop(ctx context.Context, sess *db.Session) error {
	if err := m.db.WithTx(func(tx *sql.Tx) error {
		return m.db.UpdateSessionState(tx, sess.ID, "stopped", "stopping", sess.ContainerID.String, "", nil, time.Now())
	}); err != nil {
		return bayerr.Internal(err)
	}

	if len(sess.Containers) > 0 {
		infos := make([]driver.MultiContainerInfo, 0, len(sess.Containers))
		for _, d := range sess.Containers {
			infos = append(infos, driver.MultiContainerInfo{ContainerID: d.ContainerID})
		}
		if err := m.driver.StopMulti(ctx, infos); err != nil {
			log.Printf("session stop: stop_multi: %v", err)
		}
		networkName := "bay_net_" + sess.ID
		if err := m.driver.RemoveSessionNetwork(ctx, networkName); err != nil {
			log.Printf("session stop: remove_session_network: %v", err)
		}
	} else if sess.ContainerID.Valid {
		if err := m.driver.Stop(ctx, sess.ContainerID.String); err != nil {
			return bayerr.Driver(m.driver.Kind(), err)
		}
	}

	return m.db.WithTx(func(tx *sql.Tx) error {
		return m.db.UpdateSessionState(tx, sess.ID, "stopped", "stopped", sess.ContainerID.String, "", nil, time.Now())
	})
}

// Destroy removes the session's container(s) with a driver destroy (it does
// not call Stop first) and then deletes the session row. Container destroy
// failures are surfaced, not swallowed (spec §7's "Surfaced: every other
// driver failure"); a not-found is recovered inside the driver itself, and a
// failure to remove the session network is only logged. The DB row is
// deleted only once the containers have actually been torn down.
func (m *Manager) Destroy(ctx context.Context, sess *db.Session) error {
	if len(sess.Containers) > 0 {
		infos := make([]driver.MultiContainerInfo, 0, len(sess.Containers))
		for _, d := range sess.Containers {
			infos = append(infos, driver.MultiContainerInfo{ContainerID: d.ContainerID})
		}
		if err := m.driver.DestroyMulti(ctx, infos); err != nil {
			return bayerr.Driver(m.driver.Kind(), err)
		}
		networkName := "bay_net_" + sess.ID
		if err := m.driver.RemoveSessionNetwork(ctx, networkName); err != nil {
			log.Printf("session destroy: remove_session_network: %v", err)
		}
	} else if sess.ContainerID.Valid {
		if err := m.driver.Destroy(ctx, sess.ContainerID.String); err != nil {
			return bayerr.Driver(m.driver.Kind(), err)
		}
	}

	return m.db.WithTx(func(tx *sql.Tx) error {
		return m.db.DeleteSession(tx, sess.ID)
	})
}

// EndpointForCapability resolves capability c to the right container's
// endpoint (spec §4.3 Capability Routing). For the legacy single-container
// path there is one implicit container covering every declared capability.
func EndpointForCapability(sess *db.Session, prof *profile.Profile, capability string) (string, error) {
	c, err := prof.FindContainerForCapability(capability)
	if err != nil {
		return "", err
	}
	if !prof.IsMulti() {
		if sess.Endpoint.Valid {
			return sess.Endpoint.String, nil
		}
		return "", bayerr.SessionNotReady(500)
	}
	for _, d := range sess.Containers {
		if d.Name == c.Name {
			if d.Endpoint == "" {
				return "", bayerr.SessionNotReady(500)
			}
			return d.Endpoint, nil
		}
	}
	return "", bayerr.Internal(fmt.Errorf("no container descriptor matches %s", c.Name))
}
