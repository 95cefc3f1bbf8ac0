package driver

import "testing"

func TestLabelsToMapIncludesManagedTrue(t *testing.T) {
	l := Labels{
		Owner:      "alice",
		SandboxID:  "sbx-1",
		SessionID:  "sess-1",
		CargoID:    "cargo-1",
		ProfileID:  "prof-1",
		InstanceID: "bay-0",
	}
	m := l.ToMap()
	if m["managed"] != "true" {
		t.Fatalf("expected managed=true, got %q", m["managed"])
	}
	for k, want := range map[string]string{
		"owner":       "alice",
		"sandbox_id":  "sbx-1",
		"session_id":  "sess-1",
		"cargo_id":    "cargo-1",
		"profile_id":  "prof-1",
		"instance_id": "bay-0",
	} {
		if m[k] != want {
			t.Errorf("label %q = %q, want %q", k, m[k], want)
		}
	}
	if _, ok := m["runtime_port"]; ok {
		t.Errorf("expected no runtime_port key when RuntimePort is 0")
	}
	if _, ok := m["container_name"]; ok {
		t.Errorf("expected no container_name key when unset")
	}
}

func TestLabelsToMapMultiContainerExtras(t *testing.T) {
	l := Labels{RuntimePort: 8123, ContainerName: "browser", RuntimeType: "browser"}
	m := l.ToMap()
	if m["runtime_port"] != "8123" {
		t.Errorf("runtime_port = %q, want 8123", m["runtime_port"])
	}
	if m["container_name"] != "browser" {
		t.Errorf("container_name = %q, want browser", m["container_name"])
	}
	if m["runtime_type"] != "browser" {
		t.Errorf("runtime_type = %q, want browser", m["runtime_type"])
	}
}

func TestParseMemoryNormalizesUnits(t *testing.T) {
	cases := map[string]int64{
		"512m": 512 * 1024 * 1024,
		"1g":   1024 * 1024 * 1024,
		"2Gi":  2 * 1024 * 1024 * 1024,
	}
	for in, want := range cases {
		got, err := ParseMemory(in)
		if err != nil {
			t.Fatalf("ParseMemory(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseMemory(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestParseMemoryEmptyIsZero(t *testing.T) {
	got, err := ParseMemory("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 0 {
		t.Errorf("expected 0 for empty memory string, got %d", got)
	}
}

func TestParseMemoryRejectsGarbage(t *testing.T) {
	if _, err := ParseMemory("not-a-size"); err == nil {
		t.Fatalf("expected an error for an unparseable memory string")
	}
}

func TestSessionNetworkNameConvention(t *testing.T) {
	if got := sessionNetworkName("sess-42"); got != "bay_net_sess-42" {
		t.Errorf("sessionNetworkName = %q, want bay_net_sess-42", got)
	}
}

func TestNanoCPUsConversion(t *testing.T) {
	if got := nanoCPUs(1.5); got != 1_500_000_000 {
		t.Errorf("nanoCPUs(1.5) = %d, want 1500000000", got)
	}
}
