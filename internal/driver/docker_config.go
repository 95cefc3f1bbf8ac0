package driver

import "os"

// DockerConfig configures the Docker driver (spec §6).
type DockerConfig struct {
	Socket         string // DOCKER_HOST override; empty uses client.FromEnv
	Network        string // preferred network name for ConnectContainerNetwork
	ConnectMode    ConnectMode
	HostAddress    string // used when resolving host_port bindings with a wildcard HostIp
	PublishPorts   bool   // whether to publish the runtime port to the host
	HostPort       int    // fixed host port; 0 means let Docker assign an ephemeral one
	PidsLimit      int64
}

// DefaultDockerConfig returns a Config populated from environment variables
// with sensible defaults, matching the teacher's envOrDefault convention.
func DefaultDockerConfig() DockerConfig {
	return DockerConfig{
		Socket:      os.Getenv("DOCKER_HOST"),
		Network:     envOrDefault("BAY_DOCKER_NETWORK", "bridge"),
		ConnectMode: ConnectMode(envOrDefault("BAY_DOCKER_CONNECT_MODE", string(ConnectAuto))),
		HostAddress: envOrDefault("BAY_DOCKER_HOST_ADDRESS", "127.0.0.1"),
		PidsLimit:   256,
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
