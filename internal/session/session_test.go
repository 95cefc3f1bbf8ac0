package session

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/agentserver/bay/internal/bayerr"
	"github.com/agentserver/bay/internal/db"
	"github.com/agentserver/bay/internal/drivertest"
	"github.com/agentserver/bay/internal/profile"
)

// newMockDB wires a sqlmock-backed *db.DB. sqlmock's default matcher treats
// the expected string as a regexp with no anchors, so passing a distinctive
// substring of the real query (rather than reproducing it byte-for-byte) is
// enough to match.
func newMockDB(t *testing.T) (*db.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	return &db.DB{DB: sqlDB}, mock
}

func capSet(caps ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(caps))
	for _, c := range caps {
		out[c] = struct{}{}
	}
	return out
}

func singleContainerProfile() *profile.Profile {
	p := &profile.Profile{
		ID: "p1",
		Containers: []profile.ContainerSpec{
			{Name: "primary", Capabilities: capSet("python", "shell")},
		},
	}
	return profile.Normalize(p)
}

func multiContainerProfile() *profile.Profile {
	p := &profile.Profile{
		ID: "p2",
		Containers: []profile.ContainerSpec{
			{Name: "ship", Capabilities: capSet("python", "shell")},
			{Name: "browser", Capabilities: capSet("browser")},
		},
	}
	return profile.Normalize(p)
}

func TestEndpointForCapabilitySingleContainer(t *testing.T) {
	prof := singleContainerProfile()
	sess := &db.Session{Endpoint: sql.NullString{String: "http://10.0.0.1:8123", Valid: true}}

	endpoint, err := EndpointForCapability(sess, prof, "python")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if endpoint != "http://10.0.0.1:8123" {
		t.Fatalf("got %q", endpoint)
	}
}

func TestEndpointForCapabilitySingleContainerNotReady(t *testing.T) {
	prof := singleContainerProfile()
	sess := &db.Session{}

	_, err := EndpointForCapability(sess, prof, "python")
	if !bayerr.Is(err, bayerr.CodeSessionNotReady) {
		t.Fatalf("expected session_not_ready, got %v", err)
	}
}

func TestEndpointForCapabilityUnsupportedCapability(t *testing.T) {
	prof := singleContainerProfile()
	sess := &db.Session{Endpoint: sql.NullString{String: "http://10.0.0.1:8123", Valid: true}}

	_, err := EndpointForCapability(sess, prof, "browser")
	if !bayerr.Is(err, bayerr.CodeCapabilityUnsupported) {
		t.Fatalf("expected capability_not_supported, got %v", err)
	}
}

func TestEndpointForCapabilityMultiContainerRoutesByDescriptor(t *testing.T) {
	prof := multiContainerProfile()
	sess := &db.Session{
		Containers: []db.ContainerDescriptor{
			{Name: "ship", Endpoint: "http://10.0.0.1:8123"},
			{Name: "browser", Endpoint: "http://10.0.0.2:8123"},
		},
	}

	endpoint, err := EndpointForCapability(sess, prof, "browser")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if endpoint != "http://10.0.0.2:8123" {
		t.Fatalf("expected browser container's endpoint, got %q", endpoint)
	}
}

func TestEndpointForCapabilityMultiContainerNotYetEndpointed(t *testing.T) {
	prof := multiContainerProfile()
	sess := &db.Session{
		Containers: []db.ContainerDescriptor{
			{Name: "ship", Endpoint: ""},
			{Name: "browser", Endpoint: "http://10.0.0.2:8123"},
		},
	}

	_, err := EndpointForCapability(sess, prof, "python")
	if !bayerr.Is(err, bayerr.CodeSessionNotReady) {
		t.Fatalf("expected session_not_ready for an un-endpointed descriptor, got %v", err)
	}
}

func TestEnvForIncludesContainerNameOnlyWhenSet(t *testing.T) {
	env := envFor("sbx-1", "sess-1", "")
	if _, ok := env["BAY_CONTAINER_NAME"]; ok {
		t.Errorf("expected no BAY_CONTAINER_NAME for single-container env")
	}
	if env["BAY_SANDBOX_ID"] != "sbx-1" || env["BAY_SESSION_ID"] != "sess-1" {
		t.Errorf("unexpected base env: %+v", env)
	}
	if env["BAY_WORKSPACE_PATH"] != "/workspace" {
		t.Errorf("expected BAY_WORKSPACE_PATH=/workspace, got %q", env["BAY_WORKSPACE_PATH"])
	}

	multiEnv := envFor("sbx-1", "sess-1", "browser")
	if multiEnv["BAY_CONTAINER_NAME"] != "browser" {
		t.Errorf("expected BAY_CONTAINER_NAME=browser, got %q", multiEnv["BAY_CONTAINER_NAME"])
	}
}

func TestBaseLabelsCarriesFixedLabelSet(t *testing.T) {
	l := baseLabels("alice", "sbx-1", "sess-1", "cargo-1", "prof-1", "bay-0")
	if l.Owner != "alice" || l.SandboxID != "sbx-1" || l.SessionID != "sess-1" ||
		l.CargoID != "cargo-1" || l.ProfileID != "prof-1" || l.InstanceID != "bay-0" {
		t.Errorf("unexpected labels: %+v", l)
	}
}

func TestEnsureRunningSingleContainerEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	database, mock := newMockDB(t)
	for i := 0; i < 3; i++ {
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE sessions").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
	}

	fake := drivertest.NewFake()
	fake.StartEndpoint = srv.URL

	m := &Manager{db: database, driver: fake, httpClient: srv.Client(), instanceID: "bay-0", readinessBudget: time.Second}
	sess := &db.Session{ID: "sess-1", SandboxID: "sbx-1", ProfileID: "p1", ObservedState: "pending"}

	got, err := m.EnsureRunning(context.Background(), sess, "alice", "bay-cargo-1", singleContainerProfile())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ObservedState != "running" {
		t.Errorf("expected observed_state running, got %q", got.ObservedState)
	}
	if !got.Endpoint.Valid || got.Endpoint.String != srv.URL {
		t.Errorf("expected endpoint %q, got %+v", srv.URL, got.Endpoint)
	}
	if fake.CreateCalls != 1 {
		t.Errorf("expected exactly one container create, got %d", fake.CreateCalls)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet sqlmock expectations: %v", err)
	}
}

// TestEnsureRunningAlreadyStartingShortCircuits exercises the "starting"
// guard: a concurrent caller that observes the session already mid-creation
// must not touch the driver at all.
func TestEnsureRunningAlreadyStartingShortCircuits(t *testing.T) {
	fake := drivertest.NewFake()
	m := &Manager{driver: fake, instanceID: "bay-0"}
	sess := &db.Session{ID: "sess-1", SandboxID: "sbx-1", ObservedState: "starting"}

	_, err := m.EnsureRunning(context.Background(), sess, "alice", "bay-cargo-1", singleContainerProfile())
	if !bayerr.Is(err, bayerr.CodeSessionNotReady) {
		t.Fatalf("expected session_not_ready, got %v", err)
	}
	if fake.CreateCalls != 0 {
		t.Errorf("expected no container create while already starting, got %d calls", fake.CreateCalls)
	}
}

func TestDestroySingleContainerSurfacesDriverError(t *testing.T) {
	database, mock := newMockDB(t)
	fake := drivertest.NewFake()
	fake.DestroyErr = context.DeadlineExceeded

	m := &Manager{db: database, driver: fake}
	sess := &db.Session{ID: "sess-1", ContainerID: sql.NullString{String: "c-1", Valid: true}}

	err := m.Destroy(context.Background(), sess)
	if !bayerr.Is(err, bayerr.CodeDriver) {
		t.Fatalf("expected driver_error, got %v", err)
	}
	// The DB delete must never run once the driver side has failed.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet sqlmock expectations: %v", err)
	}
}

func TestDestroyDeletesSessionRowAfterDriverSucceeds(t *testing.T) {
	database, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM sessions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	fake := drivertest.NewFake()
	m := &Manager{db: database, driver: fake}
	sess := &db.Session{ID: "sess-1", ContainerID: sql.NullString{String: "c-1", Valid: true}}

	if err := m.Destroy(context.Background(), sess); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet sqlmock expectations: %v", err)
	}
}

func TestDestroyMultiContainerSurfacesDestroyMultiError(t *testing.T) {
	database, mock := newMockDB(t)
	fake := drivertest.NewFake()
	fake.DestroyMultiErr = context.DeadlineExceeded

	m := &Manager{db: database, driver: fake}
	sess := &db.Session{
		ID:         "sess-1",
		Containers: []db.ContainerDescriptor{{Name: "ship", ContainerID: "c-1"}},
	}

	err := m.Destroy(context.Background(), sess)
	if !bayerr.Is(err, bayerr.CodeDriver) {
		t.Fatalf("expected driver_error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet sqlmock expectations: %v", err)
	}
}
