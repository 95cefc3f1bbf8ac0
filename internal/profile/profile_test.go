package profile

import (
	"testing"
	"time"

	"github.com/agentserver/bay/internal/bayerr"
)

func capSet(caps ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(caps))
	for _, c := range caps {
		out[c] = struct{}{}
	}
	return out
}

func TestNormalizeFillsContainerDefaults(t *testing.T) {
	p := &Profile{
		ID:          "p1",
		IdleTimeout: 5 * time.Minute,
		Containers: []ContainerSpec{
			{Name: "primary", Image: "bay/ship:latest"},
		},
	}
	Normalize(p)

	c := p.Containers[0]
	if c.RuntimeType != "ship" {
		t.Errorf("expected default runtime_type ship, got %q", c.RuntimeType)
	}
	if c.RuntimePort != defaultRuntimePort {
		t.Errorf("expected default runtime_port %d, got %d", defaultRuntimePort, c.RuntimePort)
	}
	if c.HealthCheckPath != defaultHealthCheckPath {
		t.Errorf("expected default health_check_path %q, got %q", defaultHealthCheckPath, c.HealthCheckPath)
	}
	if c.Capabilities == nil || c.PrimaryFor == nil {
		t.Errorf("expected non-nil capability/primary_for maps after normalize")
	}
}

func TestIsMulti(t *testing.T) {
	single := &Profile{Containers: []ContainerSpec{{Name: "primary"}}}
	if single.IsMulti() {
		t.Errorf("one container should not be multi")
	}
	multi := &Profile{Containers: []ContainerSpec{{Name: "ship"}, {Name: "browser"}}}
	if !multi.IsMulti() {
		t.Errorf("two containers should be multi")
	}
}

func TestPrimaryContainerPrefersNamedPrimary(t *testing.T) {
	p := &Profile{Containers: []ContainerSpec{
		{Name: "ship"},
		{Name: "primary"},
		{Name: "browser"},
	}}
	c, ok := p.PrimaryContainer()
	if !ok || c.Name != "primary" {
		t.Fatalf("expected primary container named 'primary', got %+v ok=%v", c, ok)
	}
}

func TestPrimaryContainerFallsBackToShip(t *testing.T) {
	p := &Profile{Containers: []ContainerSpec{
		{Name: "browser"},
		{Name: "ship"},
	}}
	c, ok := p.PrimaryContainer()
	if !ok || c.Name != "ship" {
		t.Fatalf("expected fallback to 'ship', got %+v ok=%v", c, ok)
	}
}

func TestPrimaryContainerFallsBackToFirstDeclared(t *testing.T) {
	p := &Profile{Containers: []ContainerSpec{
		{Name: "alpha"},
		{Name: "beta"},
	}}
	c, ok := p.PrimaryContainer()
	if !ok || c.Name != "alpha" {
		t.Fatalf("expected fallback to first declared container, got %+v ok=%v", c, ok)
	}
}

func TestPrimaryContainerEmptyProfile(t *testing.T) {
	p := &Profile{}
	if _, ok := p.PrimaryContainer(); ok {
		t.Fatalf("expected ok=false for a profile with no containers")
	}
}

func TestFindContainerForCapabilityPrefersPrimaryFor(t *testing.T) {
	p := &Profile{Containers: []ContainerSpec{
		{Name: "ship", Capabilities: capSet("python", "shell")},
		{Name: "browser", Capabilities: capSet("browser"), PrimaryFor: capSet("python")},
	}}
	c, err := p.FindContainerForCapability("python")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Name != "browser" {
		t.Fatalf("expected primary_for to win over capabilities declaration order, got %s", c.Name)
	}
}

func TestFindContainerForCapabilityFallsBackToCapabilities(t *testing.T) {
	p := &Profile{Containers: []ContainerSpec{
		{Name: "ship", Capabilities: capSet("python", "shell")},
		{Name: "browser", Capabilities: capSet("browser")},
	}}
	c, err := p.FindContainerForCapability("shell")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Name != "ship" {
		t.Fatalf("expected 'ship' to serve shell, got %s", c.Name)
	}
}

func TestFindContainerForCapabilityUnsupported(t *testing.T) {
	p := &Profile{Containers: []ContainerSpec{
		{Name: "ship", Capabilities: capSet("python")},
	}}
	_, err := p.FindContainerForCapability("browser")
	if !bayerr.Is(err, bayerr.CodeCapabilityUnsupported) {
		t.Fatalf("expected capability_not_supported, got %v", err)
	}
}

func TestHasCapability(t *testing.T) {
	p := &Profile{Containers: []ContainerSpec{
		{Name: "ship", Capabilities: capSet("python")},
	}}
	if !p.HasCapability("python") {
		t.Errorf("expected python to be available")
	}
	if p.HasCapability("browser") {
		t.Errorf("expected browser to be unavailable")
	}
}

func TestAvailableCapabilitiesUnionsAcrossContainers(t *testing.T) {
	p := &Profile{Containers: []ContainerSpec{
		{Name: "ship", Capabilities: capSet("python", "shell")},
		{Name: "browser", Capabilities: capSet("browser", "python")},
	}}
	avail := p.AvailableCapabilities()
	seen := map[string]bool{}
	for _, c := range avail {
		seen[c] = true
	}
	for _, want := range []string{"python", "shell", "browser"} {
		if !seen[want] {
			t.Errorf("expected %q in available capabilities, got %v", want, avail)
		}
	}
	if len(avail) != 3 {
		t.Errorf("expected 3 distinct capabilities (deduped), got %d: %v", len(avail), avail)
	}
}
