// Package bayerr defines Bay's structured error taxonomy. Manager methods
// report failures as an *Error carrying one of these codes (unexpected
// failures wrapped as CodeInternal), so callers can switch on the Code
// field or use Is instead of matching strings. Not every path does: cargo's
// DeleteOrphaned and the final session-row writes in the session manager's
// Stop and Destroy return plain errors.
package bayerr

import "fmt"

// Code is a stable, machine-readable error classification.
type Code string

const (
	CodeNotFound             Code = "not_found"
	CodeConflict             Code = "conflict"
	CodeSandboxExpired       Code = "sandbox_expired"
	CodeSandboxTTLInfinite   Code = "sandbox_ttl_infinite"
	CodeSessionNotReady      Code = "session_not_ready"
	CodeCapabilityUnsupported Code = "capability_not_supported"
	CodeValidation            Code = "validation_error"
	CodeDriver                Code = "driver_error"
	CodeInternal              Code = "internal_error"
)

// Error is Bay's structured error: a stable code, a human-readable message,
// optional machine-readable details, and an optional wrapped cause.
type Error struct {
	Code       Code
	Message    string
	Details    map[string]any
	RetryAfter int // milliseconds; only meaningful for CodeSessionNotReady
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(code Code, msg string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(msg, args...)}
}

func NotFound(msg string, args ...any) *Error { return newErr(CodeNotFound, msg, args...) }

func Conflict(msg string, args ...any) *Error { return newErr(CodeConflict, msg, args...) }

func SandboxExpired(msg string, args ...any) *Error {
	return newErr(CodeSandboxExpired, msg, args...)
}

func SandboxTTLInfinite(msg string, args ...any) *Error {
	return newErr(CodeSandboxTTLInfinite, msg, args...)
}

// SessionNotReady signals the caller should retry after retryAfterMs.
func SessionNotReady(retryAfterMs int) *Error {
	return &Error{
		Code:       CodeSessionNotReady,
		Message:    "session is starting, retry later",
		RetryAfter: retryAfterMs,
	}
}

// CapabilityNotSupported reports which capabilities the profile does declare.
func CapabilityNotSupported(capability string, available []string) *Error {
	return &Error{
		Code:    CodeCapabilityUnsupported,
		Message: fmt.Sprintf("capability %q is not supported by this profile", capability),
		Details: map[string]any{"capability": capability, "available": available},
	}
}

func Validation(msg string, args ...any) *Error { return newErr(CodeValidation, msg, args...) }

// Driver wraps a platform-level failure. driverKind is "docker" or "k8s".
func Driver(driverKind string, cause error) *Error {
	return &Error{
		Code:    CodeDriver,
		Message: "driver operation failed",
		Details: map[string]any{"driver": driverKind},
		Cause:   cause,
	}
}

func Internal(cause error) *Error {
	return &Error{Code: CodeInternal, Message: "internal error", Cause: cause}
}

// Is reports whether err is a *Error with the given code.
func Is(err error, code Code) bool {
	var e *Error
	if !asError(err, &e) {
		return false
	}
	return e.Code == code
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
