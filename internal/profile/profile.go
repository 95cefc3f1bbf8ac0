// Package profile models the immutable execution-profile configuration that
// describes what a sandbox's compute looks like: images, resources,
// capabilities, and idle timeout. Profile parsing itself (reading profile
// files/config) is an external collaborator; this package only models the
// schema core operations consume.
package profile

import (
	"time"

	"github.com/agentserver/bay/internal/bayerr"
)

// Resources describes the limits applied to a single container.
type Resources struct {
	CPUs   float64 // decimal core count, e.g. 1.5
	Memory string  // "512m" | "1g" | "2Gi", normalized by the driver
}

// ContainerSpec describes one container within a (possibly multi-container)
// profile.
type ContainerSpec struct {
	Name            string
	Image           string
	RuntimeType     string // "ship" | "browser" | ...; default "ship"
	RuntimePort     int    // default 8123
	Resources       Resources
	Capabilities    map[string]struct{}
	PrimaryFor      map[string]struct{}
	Env             map[string]string
	HealthCheckPath string // default "/health"
}

// StartupOrder controls multi-container startup ordering.
type StartupOrder string

const (
	StartupParallel   StartupOrder = "parallel"
	StartupSequential StartupOrder = "sequential"
)

// Startup describes multi-container startup policy.
type Startup struct {
	Order      StartupOrder
	WaitForAll bool
}

// Profile is the immutable configuration bundle bound to a sandbox.
type Profile struct {
	ID          string
	IdleTimeout time.Duration
	Containers  []ContainerSpec
	Startup     Startup
}

const (
	defaultRuntimePort     = 8123
	defaultHealthCheckPath = "/health"
)

// Normalize fills in defaults for the legacy single-container shorthand and
// per-container defaults (runtime_port, runtime_type, health_check_path).
// Mutates p in place and also returns it for chaining.
func Normalize(p *Profile) *Profile {
	for i := range p.Containers {
		c := &p.Containers[i]
		if c.RuntimeType == "" {
			c.RuntimeType = "ship"
		}
		if c.RuntimePort == 0 {
			c.RuntimePort = defaultRuntimePort
		}
		if c.HealthCheckPath == "" {
			c.HealthCheckPath = defaultHealthCheckPath
		}
		if c.Capabilities == nil {
			c.Capabilities = map[string]struct{}{}
		}
		if c.PrimaryFor == nil {
			c.PrimaryFor = map[string]struct{}{}
		}
	}
	return p
}

// IsMulti reports whether the profile declares more than one container.
func (p *Profile) IsMulti() bool {
	return len(p.Containers) > 1
}

// PrimaryContainer returns the container named "primary", else "ship", else
// the first declared container.
func (p *Profile) PrimaryContainer() (ContainerSpec, bool) {
	if len(p.Containers) == 0 {
		return ContainerSpec{}, false
	}
	for _, name := range []string{"primary", "ship"} {
		for _, c := range p.Containers {
			if c.Name == name {
				return c, true
			}
		}
	}
	return p.Containers[0], true
}

// FindContainerForCapability resolves a capability to the container that
// should serve it: first any container whose PrimaryFor declares it, else
// the first (in declaration order) whose Capabilities declares it.
func (p *Profile) FindContainerForCapability(capability string) (ContainerSpec, error) {
	for _, c := range p.Containers {
		if _, ok := c.PrimaryFor[capability]; ok {
			return c, nil
		}
	}
	for _, c := range p.Containers {
		if _, ok := c.Capabilities[capability]; ok {
			return c, nil
		}
	}
	return ContainerSpec{}, bayerr.CapabilityNotSupported(capability, p.AvailableCapabilities())
}

// AvailableCapabilities returns the union of capabilities declared across
// all containers, for use in capability_not_supported error details.
func (p *Profile) AvailableCapabilities() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, c := range p.Containers {
		for cap := range c.Capabilities {
			if _, ok := seen[cap]; !ok {
				seen[cap] = struct{}{}
				out = append(out, cap)
			}
		}
	}
	return out
}

// HasCapability reports whether any container in the profile declares cap,
// without starting any compute. Used to enforce capability checks before
// provisioning (spec: "before any compute is started").
func (p *Profile) HasCapability(capability string) bool {
	_, err := p.FindContainerForCapability(capability)
	return err == nil
}
