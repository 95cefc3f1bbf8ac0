// Package drivertest provides an in-memory driver.Driver double for tests
// that exercise the session, sandbox, and GC managers without a real Docker
// or Kubernetes daemon.
package drivertest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/agentserver/bay/internal/driver"
)

// Fake is a minimal in-memory driver.Driver. Every container gets a
// sequential id (volumes keep the caller's name); CreateCalls counts Create invocations so concurrency tests
// can assert "at most one container create" for a given session.
type Fake struct {
	mu sync.Mutex

	containers map[string]driver.ContainerInfo
	volumes    map[string]bool
	instances  map[string]driver.RuntimeInstance

	nextID int64

	CreateCalls     int32
	CreateErr       error
	StartErr        error
	StatusErr       error
	StatusResult    *driver.ContainerInfo // overrides the recorded state when set
	StartEndpoint   string                // overrides the synthesized endpoint, e.g. an httptest.Server URL
	DestroyErr      error
	DestroyMultiErr error
}

// NewFake returns an empty Fake driver.
func NewFake() *Fake {
	return &Fake{
		containers: make(map[string]driver.ContainerInfo),
		volumes:    make(map[string]bool),
		instances:  make(map[string]driver.RuntimeInstance),
	}
}

func (f *Fake) nextContainerID() string {
	id := atomic.AddInt64(&f.nextID, 1)
	return fmt.Sprintf("fake-container-%d", id)
}

func (f *Fake) Create(ctx context.Context, spec driver.CreateSpec) (string, error) {
	atomic.AddInt32(&f.CreateCalls, 1)
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextContainerID()
	f.containers[id] = driver.ContainerInfo{Status: driver.StatusCreated}
	f.instances[id] = driver.RuntimeInstance{ID: id, Name: id, Labels: spec.Labels.ToMap()}
	return id, nil
}

func (f *Fake) Start(ctx context.Context, containerID string, runtimePort int) (string, error) {
	if f.StartErr != nil {
		return "", f.StartErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.containers[containerID]
	if !ok {
		return "", fmt.Errorf("fake driver: no such container %s", containerID)
	}
	info.Status = driver.StatusRunning
	f.containers[containerID] = info
	if f.StartEndpoint != "" {
		return f.StartEndpoint, nil
	}
	return "http://" + containerID + ":8123", nil
}

func (f *Fake) Stop(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.containers[containerID]
	if !ok {
		return nil // not-found swallowed, matches the real drivers' contract
	}
	info.Status = driver.StatusExited
	f.containers[containerID] = info
	return nil
}

func (f *Fake) Destroy(ctx context.Context, containerID string) error {
	if f.DestroyErr != nil {
		return f.DestroyErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, containerID)
	delete(f.instances, containerID)
	return nil
}

func (f *Fake) Status(ctx context.Context, containerID string, runtimePort int) (driver.ContainerInfo, error) {
	if f.StatusErr != nil {
		return driver.ContainerInfo{}, f.StatusErr
	}
	if f.StatusResult != nil {
		return *f.StatusResult, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.containers[containerID]
	if !ok {
		return driver.ContainerInfo{Status: driver.StatusNotFound}, nil
	}
	return info, nil
}

func (f *Fake) Logs(ctx context.Context, containerID string, tail int) (string, error) {
	return "", nil
}

func (f *Fake) CreateVolume(ctx context.Context, name string, labels driver.Labels) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes[name] = true
	return name, nil
}

func (f *Fake) DeleteVolume(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.volumes, name)
	return nil
}

func (f *Fake) VolumeExists(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.volumes[name], nil
}

func (f *Fake) ListRuntimeInstances(ctx context.Context, filter map[string]string) ([]driver.RuntimeInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []driver.RuntimeInstance
	for _, inst := range f.instances {
		matches := true
		for k, v := range filter {
			if inst.Labels[k] != v {
				matches = false
				break
			}
		}
		if matches {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (f *Fake) DestroyRuntimeInstance(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.instances, id)
	delete(f.containers, id)
	return nil
}

func (f *Fake) CreateSessionNetwork(ctx context.Context, sessionID string, labels driver.Labels) (string, error) {
	return "bay_net_" + sessionID, nil
}

func (f *Fake) RemoveSessionNetwork(ctx context.Context, networkName string) error {
	return nil
}

func (f *Fake) CreateMulti(ctx context.Context, specs []driver.CreateSpec, networkName string) ([]driver.MultiContainerInfo, error) {
	out := make([]driver.MultiContainerInfo, 0, len(specs))
	for _, spec := range specs {
		id, err := f.Create(ctx, spec)
		if err != nil {
			return out, err
		}
		out = append(out, driver.MultiContainerInfo{
			Name:        spec.Labels.ContainerName,
			ContainerID: id,
			RuntimeType: spec.Labels.RuntimeType,
			Status:      driver.StatusCreated,
			RuntimePort: spec.RuntimePort,
		})
	}
	return out, nil
}

func (f *Fake) StartMulti(ctx context.Context, infos []driver.MultiContainerInfo) ([]driver.MultiContainerInfo, error) {
	out := make([]driver.MultiContainerInfo, 0, len(infos))
	for _, info := range infos {
		endpoint, err := f.Start(ctx, info.ContainerID, info.RuntimePort)
		if err != nil {
			return out, err
		}
		info.Endpoint = endpoint
		info.Status = driver.StatusRunning
		out = append(out, info)
	}
	return out, nil
}

func (f *Fake) StopMulti(ctx context.Context, infos []driver.MultiContainerInfo) error {
	for _, info := range infos {
		if err := f.Stop(ctx, info.ContainerID); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fake) DestroyMulti(ctx context.Context, infos []driver.MultiContainerInfo) error {
	if f.DestroyMultiErr != nil {
		return f.DestroyMultiErr
	}
	for _, info := range infos {
		if err := f.Destroy(ctx, info.ContainerID); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fake) Kind() string { return "fake" }
