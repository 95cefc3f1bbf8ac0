package driver

import "testing"

func TestShortIDTruncatesLongIDs(t *testing.T) {
	if got := shortID("0123456789abcdef"); got != "01234567" {
		t.Errorf("shortID long = %q, want 01234567", got)
	}
	if got := shortID("short"); got != "short" {
		t.Errorf("shortID short = %q, want unchanged", got)
	}
}

func TestSandboxNameUsesShortID(t *testing.T) {
	name := sandboxName(Labels{SandboxID: "0123456789abcdef"})
	if name != "bay-sbx-01234567" {
		t.Errorf("sandboxName = %q, want bay-sbx-01234567", name)
	}
}

func TestNameHashIsDeterministic(t *testing.T) {
	a := nameHash("bay-sbx-abcdef")
	b := nameHash("bay-sbx-abcdef")
	if a != b {
		t.Errorf("expected nameHash to be deterministic, got %q vs %q", a, b)
	}
	if nameHash("other") == a {
		t.Errorf("expected different inputs to (very likely) hash differently")
	}
}

func TestCPUQuantityConvertsNanoCPUsToMillis(t *testing.T) {
	q := cpuQuantity(1_500_000_000) // 1.5 cores
	if q.MilliValue() != 1500 {
		t.Errorf("cpuQuantity(1.5 cores) = %dm, want 1500m", q.MilliValue())
	}
}

func TestCPUQuantityDefaultsWhenZero(t *testing.T) {
	q := cpuQuantity(0)
	if q.MilliValue() != 1000 {
		t.Errorf("cpuQuantity(0) should default to 1 core (1000m), got %dm", q.MilliValue())
	}
}

func TestMemoryLimitAndRequestHalvesForOvercommit(t *testing.T) {
	limit, req := memoryLimitAndRequest(2 * 1024 * 1024 * 1024)
	if limit.Value() != 2*1024*1024*1024 {
		t.Errorf("limit = %d, want 2Gi", limit.Value())
	}
	if req.Value() != 1*1024*1024*1024 {
		t.Errorf("request = %d, want half the limit (1Gi)", req.Value())
	}
}

func TestMemoryLimitAndRequestDefaultsWhenZero(t *testing.T) {
	limit, _ := memoryLimitAndRequest(0)
	if limit.Value() != 2*1024*1024*1024 {
		t.Errorf("expected a 2Gi default limit, got %d", limit.Value())
	}
}
