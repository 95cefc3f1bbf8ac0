package cmd

import (
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/agentserver/bay/internal/profile"
)

// profileFile is the on-disk shape of a profile config entry. Parsing
// profile files is explicitly out of the core's scope (spec §1) — this is
// just enough loading for the CLI entrypoint to hand the core a
// profile.Store, mirroring the teacher's envOrDefault-driven config style
// rather than introducing a full config framework.
type profileFile struct {
	ID          string                   `yaml:"id"`
	IdleTimeout string                   `yaml:"idle_timeout"`
	Image       string                   `yaml:"image"`
	RuntimeType string                   `yaml:"runtime_type"`
	RuntimePort int                      `yaml:"runtime_port"`
	Resources   resourcesFile            `yaml:"resources"`
	Env         map[string]string        `yaml:"env"`
	Capabilities []string                `yaml:"capabilities"`
	Containers  []containerSpecFile      `yaml:"containers"`
	Startup     startupFile              `yaml:"startup"`
}

type resourcesFile struct {
	CPUs   float64 `yaml:"cpus"`
	Memory string  `yaml:"memory"`
}

type containerSpecFile struct {
	Name            string            `yaml:"name"`
	Image           string            `yaml:"image"`
	RuntimeType     string            `yaml:"runtime_type"`
	RuntimePort     int               `yaml:"runtime_port"`
	Resources       resourcesFile     `yaml:"resources"`
	Capabilities    []string          `yaml:"capabilities"`
	PrimaryFor      []string          `yaml:"primary_for"`
	Env             map[string]string `yaml:"env"`
	HealthCheckPath string            `yaml:"health_check_path"`
}

type startupFile struct {
	Order      string `yaml:"order"`
	WaitForAll bool   `yaml:"wait_for_all"`
}

func loadProfiles(path string) (map[string]*profile.Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles file %s: %w", path, err)
	}

	var files []profileFile
	if err := yaml.Unmarshal(raw, &files); err != nil {
		return nil, fmt.Errorf("parse profiles file %s: %w", path, err)
	}

	out := make(map[string]*profile.Profile, len(files))
	for _, f := range files {
		idleTimeout := 10 * time.Minute
		if f.IdleTimeout != "" {
			d, err := time.ParseDuration(f.IdleTimeout)
			if err != nil {
				return nil, fmt.Errorf("profile %s: invalid idle_timeout %q: %w", f.ID, f.IdleTimeout, err)
			}
			idleTimeout = d
		}

		p := &profile.Profile{
			ID:          f.ID,
			IdleTimeout: idleTimeout,
		}

		if len(f.Containers) > 0 {
			for _, c := range f.Containers {
				p.Containers = append(p.Containers, toContainerSpec(c))
			}
			p.Startup = profile.Startup{
				Order:      profile.StartupOrder(f.Startup.Order),
				WaitForAll: f.Startup.WaitForAll,
			}
		} else {
			// Legacy single-container shorthand, normalized below.
			p.Containers = []profile.ContainerSpec{toContainerSpec(containerSpecFile{
				Name:        "primary",
				Image:       f.Image,
				RuntimeType: f.RuntimeType,
				RuntimePort: f.RuntimePort,
				Resources:   f.Resources,
				Capabilities: f.Capabilities,
				Env:         f.Env,
			})}
		}

		out[f.ID] = profile.Normalize(p)
	}
	return out, nil
}

func toContainerSpec(c containerSpecFile) profile.ContainerSpec {
	caps := make(map[string]struct{}, len(c.Capabilities))
	for _, cap := range c.Capabilities {
		caps[cap] = struct{}{}
	}
	primaryFor := make(map[string]struct{}, len(c.PrimaryFor))
	for _, cap := range c.PrimaryFor {
		primaryFor[cap] = struct{}{}
	}
	return profile.ContainerSpec{
		Name:        c.Name,
		Image:       c.Image,
		RuntimeType: c.RuntimeType,
		RuntimePort: c.RuntimePort,
		Resources: profile.Resources{
			CPUs:   c.Resources.CPUs,
			Memory: c.Resources.Memory,
		},
		Capabilities:    caps,
		PrimaryFor:      primaryFor,
		Env:             c.Env,
		HealthCheckPath: c.HealthCheckPath,
	}
}
