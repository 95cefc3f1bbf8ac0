package bayerr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestIsMatchesCode(t *testing.T) {
	err := NotFound("sandbox %s not found", "sbx-1")
	if !Is(err, CodeNotFound) {
		t.Fatalf("expected CodeNotFound, got %v", err)
	}
	if Is(err, CodeConflict) {
		t.Fatalf("expected not to match CodeConflict")
	}
}

func TestIsUnwrapsWrappedErrors(t *testing.T) {
	inner := SandboxExpired("sandbox %s expired", "sbx-2")
	wrapped := fmt.Errorf("ensure_running: %w", inner)
	if !Is(wrapped, CodeSandboxExpired) {
		t.Fatalf("expected wrapped error to match CodeSandboxExpired")
	}
}

func TestIsReturnsFalseForPlainErrors(t *testing.T) {
	if Is(errors.New("boom"), CodeInternal) {
		t.Fatalf("plain error should never match a bayerr code")
	}
}

func TestSessionNotReadyCarriesRetryAfter(t *testing.T) {
	err := SessionNotReady(750)
	if err.Code != CodeSessionNotReady {
		t.Fatalf("expected CodeSessionNotReady, got %s", err.Code)
	}
	if err.RetryAfter != 750 {
		t.Fatalf("expected retry_after_ms=750, got %d", err.RetryAfter)
	}
}

func TestCapabilityNotSupportedDetails(t *testing.T) {
	err := CapabilityNotSupported("browser", []string{"python", "shell"})
	avail, ok := err.Details["available"].([]string)
	if !ok {
		t.Fatalf("expected available details to be []string, got %T", err.Details["available"])
	}
	if len(avail) != 2 || avail[0] != "python" || avail[1] != "shell" {
		t.Fatalf("unexpected available capabilities: %v", avail)
	}
}

func TestDriverWrapsCause(t *testing.T) {
	cause := errors.New("container not found")
	err := Driver("docker", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected Driver error to unwrap to cause")
	}
	if err.Details["driver"] != "docker" {
		t.Fatalf("expected driver kind in details, got %v", err.Details)
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := errors.New("boom")
	err := Internal(cause)
	msg := err.Error()
	if !strings.Contains(msg, "boom") {
		t.Fatalf("expected error message to include the cause, got %q", msg)
	}
}
