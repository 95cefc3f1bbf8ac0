// Package driver defines the platform-agnostic container/volume/network
// vocabulary Bay's managers use, plus Docker and Kubernetes implementations.
// A driver method must be safe against a not-found at the platform layer:
// translated to a logged warning for Stop/Destroy, to StatusNotFound
// for Status, and to an error for Start. Every other platform error
// propagates unchanged.
package driver

import (
	"context"
	"time"
)

// ContainerStatus mirrors the driver's view of a container's lifecycle.
type ContainerStatus string

const (
	StatusCreated  ContainerStatus = "created"
	StatusRunning  ContainerStatus = "running"
	StatusExited   ContainerStatus = "exited"
	StatusRemoving ContainerStatus = "removing"
	StatusNotFound ContainerStatus = "not_found"
)

// ContainerInfo is the result of a Status() call.
type ContainerInfo struct {
	Status   ContainerStatus
	Endpoint string // empty unless runtime_port was supplied and resolution succeeded
	ExitCode *int
}

// RuntimeInstance describes a labelled container/pod discovered by
// ListRuntimeInstances, used by OrphanContainerGC.
type RuntimeInstance struct {
	ID        string // container ID / pod name
	Name      string
	Labels    map[string]string
	State     string
	CreatedAt time.Time
}

// Labels is the fixed label set every driver resource must carry (spec §6,
// bit-exact for GC compatibility).
type Labels struct {
	Owner       string
	SandboxID   string
	SessionID   string
	CargoID     string
	ProfileID   string
	RuntimePort int
	InstanceID  string
	// Multi-container extras.
	ContainerName string
	RuntimeType   string
}

// ToMap renders Labels as the string-keyed map drivers attach to platform
// resources. managed is always the literal string "true".
func (l Labels) ToMap() map[string]string {
	m := map[string]string{
		"owner":       l.Owner,
		"sandbox_id":  l.SandboxID,
		"session_id":  l.SessionID,
		"cargo_id":    l.CargoID,
		"profile_id":  l.ProfileID,
		"instance_id": l.InstanceID,
		"managed":     "true",
	}
	if l.RuntimePort != 0 {
		m["runtime_port"] = itoa(l.RuntimePort)
	}
	if l.ContainerName != "" {
		m["container_name"] = l.ContainerName
	}
	if l.RuntimeType != "" {
		m["runtime_type"] = l.RuntimeType
	}
	return m
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// CreateSpec bundles the inputs to Create: resource limits and the cargo
// volume to bind at the fixed mount path /workspace.
type CreateSpec struct {
	Image       string
	RuntimePort int
	MemoryBytes int64   // resource limit, bytes
	NanoCPUs    int64   // decimal cores expressed as billionths (Docker convention)
	PidsLimit   int64   // hard cap, e.g. 256
	Env         map[string]string
	CargoRef    string // driver-level volume/PVC name
	Labels      Labels
}

// MultiContainerInfo describes one container created as part of a
// multi-container session.
type MultiContainerInfo struct {
	Name        string
	ContainerID string
	RuntimeType string
	Endpoint    string
	Status      ContainerStatus
	RuntimePort int
}

// ConnectMode governs Docker endpoint resolution (spec §4.1). Kubernetes
// always resolves via pod IP and ignores this setting.
type ConnectMode string

const (
	ConnectContainerNetwork ConnectMode = "container_network"
	ConnectHostPort         ConnectMode = "host_port"
	ConnectAuto             ConnectMode = "auto"
)

// Driver is the container-platform-agnostic interface higher layers
// (session manager, cargo manager, GC) program against. It handles ONLY
// container/volume/network lifecycle — no auth, retry policy, audit
// logging, rate limiting, or quota management; those are callers'
// responsibility.
type Driver interface {
	// Create builds a container of the given spec without starting it.
	Create(ctx context.Context, spec CreateSpec) (containerID string, err error)
	// Start starts the container and resolves a Bay-reachable endpoint URL.
	Start(ctx context.Context, containerID string, runtimePort int) (endpoint string, err error)
	// Stop is idempotent: a not-found is logged and swallowed.
	Stop(ctx context.Context, containerID string) error
	// Destroy is idempotent: a not-found is logged and swallowed.
	Destroy(ctx context.Context, containerID string) error
	Status(ctx context.Context, containerID string, runtimePort int) (ContainerInfo, error)
	Logs(ctx context.Context, containerID string, tail int) (string, error)

	CreateVolume(ctx context.Context, name string, labels Labels) (string, error)
	DeleteVolume(ctx context.Context, name string) error
	VolumeExists(ctx context.Context, name string) (bool, error)

	// ListRuntimeInstances enumerates resources whose labels are a superset
	// of the filter. Used by OrphanContainerGC.
	ListRuntimeInstances(ctx context.Context, filter map[string]string) ([]RuntimeInstance, error)
	// DestroyRuntimeInstance force-deletes, bypassing normal session cleanup.
	DestroyRuntimeInstance(ctx context.Context, id string) error

	// Multi-container extensions.
	CreateSessionNetwork(ctx context.Context, sessionID string, labels Labels) (networkName string, err error)
	RemoveSessionNetwork(ctx context.Context, networkName string) error
	CreateMulti(ctx context.Context, specs []CreateSpec, networkName string) ([]MultiContainerInfo, error)
	StartMulti(ctx context.Context, infos []MultiContainerInfo) ([]MultiContainerInfo, error)
	StopMulti(ctx context.Context, infos []MultiContainerInfo) error
	DestroyMulti(ctx context.Context, infos []MultiContainerInfo) error

	// Kind identifies the driver for error details ("docker" | "k8s").
	Kind() string
}
