package driver

import (
	"os"
	"time"
)

// K8sConfig configures the Kubernetes driver (spec §6).
type K8sConfig struct {
	Namespace          string
	StorageClassName   string
	RuntimeClassName   string
	CargoSize          string // PVC size for cargo volumes, e.g. "10Gi"
	PollInterval       time.Duration
	PodStartupTimeout  time.Duration
}

// DefaultK8sConfig returns a Config populated from environment variables with
// sensible defaults, matching the teacher's envOrDefault convention.
func DefaultK8sConfig() K8sConfig {
	return K8sConfig{
		Namespace:         envOrDefault("BAY_K8S_NAMESPACE", "default"),
		StorageClassName:  os.Getenv("BAY_K8S_STORAGE_CLASS"),
		RuntimeClassName:  os.Getenv("BAY_K8S_RUNTIME_CLASS"),
		CargoSize:         envOrDefault("BAY_K8S_CARGO_SIZE", "10Gi"),
		PollInterval:      1 * time.Second,
		PodStartupTimeout: 120 * time.Second,
	}
}
