package driver

import (
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	units "github.com/docker/go-units"
	"golang.org/x/sync/errgroup"
)

const workspaceMountPath = "/workspace"

// DockerDriver implements Driver against the Docker Engine API, grounded on
// the same client construction and orphan-sweep idiom as the container
// package's single-process agent runner.
type DockerDriver struct {
	cli *client.Client
	cfg DockerConfig
}

// NewDockerDriver dials the Docker daemon and negotiates an API version.
func NewDockerDriver(cfg DockerConfig) (*DockerDriver, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Socket != "" {
		opts = append(opts, client.WithHost(cfg.Socket))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := cli.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("docker ping: %w", err)
	}
	return &DockerDriver{cli: cli, cfg: cfg}, nil
}

func (d *DockerDriver) Kind() string { return "docker" }

// Close releases the underlying client connection.
func (d *DockerDriver) Close() error { return d.cli.Close() }

// ParseMemory normalizes a memory string ("512m" | "1g" | "2Gi") to bytes.
func ParseMemory(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return units.RAMInBytes(s)
}

func nanoCPUs(cpus float64) int64 {
	return int64(cpus * 1e9)
}

func (d *DockerDriver) buildContainerConfig(spec CreateSpec) (*container.Config, *container.HostConfig, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	exposed := map[nat.Port]struct{}{}
	var bindings nat.PortMap
	if spec.RuntimePort != 0 && d.cfg.PublishPorts {
		port, err := nat.NewPort("tcp", strconv.Itoa(spec.RuntimePort))
		if err != nil {
			return nil, nil, fmt.Errorf("port: %w", err)
		}
		exposed[port] = struct{}{}
		hostPort := ""
		if d.cfg.HostPort != 0 {
			hostPort = strconv.Itoa(d.cfg.HostPort)
		}
		bindings = nat.PortMap{port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: hostPort}}}
	}

	pidsLimit := spec.PidsLimit
	if pidsLimit == 0 {
		pidsLimit = d.cfg.PidsLimit
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          env,
		Labels:       spec.Labels.ToMap(),
		ExposedPorts: exposed,
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeVolume, Source: spec.CargoRef, Target: workspaceMountPath},
		},
		PortBindings: bindings,
		Resources: container.Resources{
			Memory:    spec.MemoryBytes,
			NanoCPUs:  spec.NanoCPUs,
			PidsLimit: &pidsLimit,
		},
	}
	return cfg, hostCfg, nil
}

// Create builds (but does not start) a container bound to the cargo volume.
func (d *DockerDriver) Create(ctx context.Context, spec CreateSpec) (string, error) {
	cfg, hostCfg, err := d.buildContainerConfig(spec)
	if err != nil {
		return "", err
	}
	name := "bay-" + spec.Labels.SessionID
	if spec.Labels.ContainerName != "" {
		name = "bay-" + spec.Labels.SessionID + "-" + spec.Labels.ContainerName
	}
	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	return resp.ID, nil
}

// Start starts the container and resolves a Bay-reachable endpoint.
func (d *DockerDriver) Start(ctx context.Context, containerID string, runtimePort int) (string, error) {
	if err := d.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("container start: %w", err)
	}
	return d.resolveEndpoint(ctx, containerID, runtimePort)
}

// resolveEndpoint implements spec §4.1's endpoint resolution algorithm.
func (d *DockerDriver) resolveEndpoint(ctx context.Context, containerID string, runtimePort int) (string, error) {
	info, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("inspect for endpoint: %w", err)
	}

	mode := d.cfg.ConnectMode
	if mode == "" {
		mode = ConnectAuto
	}

	if mode == ConnectContainerNetwork || mode == ConnectAuto {
		if info.NetworkSettings != nil && len(info.NetworkSettings.Networks) > 0 {
			if d.cfg.Network != "" {
				if ep, ok := info.NetworkSettings.Networks[d.cfg.Network]; ok && ep.IPAddress != "" {
					return fmt.Sprintf("http://%s:%d", ep.IPAddress, runtimePort), nil
				}
			}
			for _, ep := range info.NetworkSettings.Networks {
				if ep.IPAddress != "" {
					return fmt.Sprintf("http://%s:%d", ep.IPAddress, runtimePort), nil
				}
			}
		}
	}

	if mode == ConnectHostPort || mode == ConnectAuto {
		port, err := nat.NewPort("tcp", strconv.Itoa(runtimePort))
		if err == nil && info.NetworkSettings != nil {
			if bindings, ok := info.NetworkSettings.Ports[port]; ok && len(bindings) > 0 {
				b := bindings[0]
				host := b.HostIP
				if host == "" || host == "0.0.0.0" || host == "::" {
					host = d.cfg.HostAddress
				}
				return fmt.Sprintf("http://%s:%s", host, b.HostPort), nil
			}
		}
	}

	log.Printf("docker driver: falling back to container name as hostname for %s", containerID[:12])
	return fmt.Sprintf("http://%s:%d", info.Name[1:], runtimePort), nil
}

func isNotFound(err error) bool {
	return err != nil && client.IsErrNotFound(err)
}

// Stop is idempotent; a not-found is logged and swallowed.
func (d *DockerDriver) Stop(ctx context.Context, containerID string) error {
	if err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{}); err != nil {
		if isNotFound(err) {
			log.Printf("docker driver: stop: container %s not found, ignoring", containerID)
			return nil
		}
		return fmt.Errorf("container stop: %w", err)
	}
	return nil
}

// Destroy is idempotent; a not-found is logged and swallowed.
func (d *DockerDriver) Destroy(ctx context.Context, containerID string) error {
	if err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if isNotFound(err) {
			log.Printf("docker driver: destroy: container %s not found, ignoring", containerID)
			return nil
		}
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

func (d *DockerDriver) Status(ctx context.Context, containerID string, runtimePort int) (ContainerInfo, error) {
	info, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if isNotFound(err) {
			return ContainerInfo{Status: StatusNotFound}, nil
		}
		return ContainerInfo{}, fmt.Errorf("container inspect: %w", err)
	}

	var status ContainerStatus
	switch {
	case info.State.Running:
		status = StatusRunning
	case info.State.Status == "removing":
		status = StatusRemoving
	default:
		status = StatusExited
	}

	out := ContainerInfo{Status: status}
	if info.State.ExitCode != 0 || !info.State.Running {
		ec := info.State.ExitCode
		out.ExitCode = &ec
	}
	if status == StatusRunning && runtimePort != 0 {
		if ep, err := d.resolveEndpoint(ctx, containerID, runtimePort); err == nil {
			out.Endpoint = ep
		}
	}
	return out, nil
}

func (d *DockerDriver) Logs(ctx context.Context, containerID string, tail int) (string, error) {
	rc, err := d.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", fmt.Errorf("container logs: %w", err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("read logs: %w", err)
	}
	return string(b), nil
}

func (d *DockerDriver) CreateVolume(ctx context.Context, name string, labels Labels) (string, error) {
	_, err := d.cli.VolumeCreate(ctx, volume.CreateOptions{Name: name, Labels: labels.ToMap()})
	if err != nil {
		return "", fmt.Errorf("volume create: %w", err)
	}
	return name, nil
}

func (d *DockerDriver) DeleteVolume(ctx context.Context, name string) error {
	if err := d.cli.VolumeRemove(ctx, name, true); err != nil {
		if isNotFound(err) {
			log.Printf("docker driver: volume %s not found, ignoring", name)
			return nil
		}
		return fmt.Errorf("volume remove: %w", err)
	}
	return nil
}

func (d *DockerDriver) VolumeExists(ctx context.Context, name string) (bool, error) {
	_, err := d.cli.VolumeInspect(ctx, name)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("volume inspect: %w", err)
	}
	return true, nil
}

func (d *DockerDriver) ListRuntimeInstances(ctx context.Context, filter map[string]string) ([]RuntimeInstance, error) {
	args := filters.NewArgs()
	for k, v := range filter {
		args.Add("label", k+"="+v)
	}
	list, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}
	out := make([]RuntimeInstance, 0, len(list))
	for _, c := range list {
		name := strings.TrimPrefix(firstOrEmpty(c.Names), "/")
		out = append(out, RuntimeInstance{
			ID:        c.ID,
			Name:      name,
			Labels:    c.Labels,
			State:     c.State,
			CreatedAt: time.Unix(c.Created, 0),
		})
	}
	return out, nil
}

func firstOrEmpty(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}

func (d *DockerDriver) DestroyRuntimeInstance(ctx context.Context, id string) error {
	if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("destroy runtime instance: %w", err)
	}
	return nil
}

// sessionNetworkName is the deterministic, known-prefix convention the GC
// and tests rely on (mirrors cargo's "bay-cargo-<id>" convention).
func sessionNetworkName(sessionID string) string {
	return "bay_net_" + sessionID
}

func (d *DockerDriver) CreateSessionNetwork(ctx context.Context, sessionID string, labels Labels) (string, error) {
	name := sessionNetworkName(sessionID)
	_, err := d.cli.NetworkCreate(ctx, name, network.CreateOptions{
		Labels: labels.ToMap(),
	})
	if err != nil {
		return "", fmt.Errorf("network create: %w", err)
	}
	return name, nil
}

func (d *DockerDriver) RemoveSessionNetwork(ctx context.Context, networkName string) error {
	if err := d.cli.NetworkRemove(ctx, networkName); err != nil {
		if isNotFound(err) {
			log.Printf("docker driver: network %s not found, ignoring", networkName)
			return nil
		}
		return fmt.Errorf("network remove: %w", err)
	}
	return nil
}

// CreateMulti creates one container per spec, attached to networkName with
// a DNS alias equal to the container's declared name so containers can
// reach each other by name. Creation is sequential; Start is parallel.
func (d *DockerDriver) CreateMulti(ctx context.Context, specs []CreateSpec, networkName string) ([]MultiContainerInfo, error) {
	infos := make([]MultiContainerInfo, 0, len(specs))
	for _, spec := range specs {
		cfg, hostCfg, err := d.buildContainerConfig(spec)
		if err != nil {
			return infos, err
		}
		hostCfg.NetworkMode = container.NetworkMode(networkName)
		netCfg := &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				networkName: {Aliases: []string{spec.Labels.ContainerName}},
			},
		}
		name := "bay-" + spec.Labels.SessionID + "-" + spec.Labels.ContainerName
		resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
		if err != nil {
			return infos, fmt.Errorf("container create (%s): %w", spec.Labels.ContainerName, err)
		}
		infos = append(infos, MultiContainerInfo{
			Name:        spec.Labels.ContainerName,
			ContainerID: resp.ID,
			RuntimeType: spec.Labels.RuntimeType,
			Status:      StatusCreated,
			RuntimePort: spec.RuntimePort,
		})
	}
	return infos, nil
}

// StartMulti starts every container in parallel and waits for each to
// report running with a resolved endpoint.
func (d *DockerDriver) StartMulti(ctx context.Context, infos []MultiContainerInfo) ([]MultiContainerInfo, error) {
	out := make([]MultiContainerInfo, len(infos))
	copy(out, infos)

	g, gctx := errgroup.WithContext(ctx)
	for i, info := range infos {
		i, info := i, info
		g.Go(func() error {
			ep, err := d.Start(gctx, info.ContainerID, info.RuntimePort)
			if err != nil {
				return fmt.Errorf("start %s: %w", info.Name, err)
			}
			out[i].Endpoint = ep
			out[i].Status = StatusRunning
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}

// StopMulti stops containers sequentially; parallel stop safety is
// unverified (spec open question), so this stays conservative.
func (d *DockerDriver) StopMulti(ctx context.Context, infos []MultiContainerInfo) error {
	var firstErr error
	for _, info := range infos {
		if err := d.Stop(ctx, info.ContainerID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DestroyMulti attempts to destroy every container, best-effort: a failed
// destroy is logged and does not stop the remaining ones, and the first
// failure is returned once all have been attempted.
func (d *DockerDriver) DestroyMulti(ctx context.Context, infos []MultiContainerInfo) error {
	var firstErr error
	for _, info := range infos {
		if err := d.Destroy(ctx, info.ContainerID); err != nil {
			log.Printf("docker driver: destroy_multi: %v", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

var _ Driver = (*DockerDriver)(nil)
