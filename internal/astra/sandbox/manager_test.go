package sandbox

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/astraforge/sandbox-core/internal/astra/model"
	"github.com/astraforge/sandbox-core/internal/astra/runtime"
)

// fakeAdapter is a minimal in-memory stand-in for a real runtime.Adapter: it
// tracks how many times Provision/Exec/Terminate/Inspect were called and
// lets tests script failures and exec responses.
type fakeAdapter struct {
	mu sync.Mutex

	backend model.Backend

	provisionCalls int
	provisionErr   error

	execFn func(req runtime.ExecRequest) (*runtime.ExecResult, error)

	terminateCalls int
	terminateErr   error

	inspectRunning bool
	inspectExists  bool
	inspectErr     error
}

func (f *fakeAdapter) Backend() model.Backend { return f.backend }

func (f *fakeAdapter) Provision(ctx context.Context, sessionID string, desc model.RuntimeDescriptor) (*runtime.Handle, error) {
	f.mu.Lock()
	f.provisionCalls++
	f.mu.Unlock()
	if f.provisionErr != nil {
		return nil, f.provisionErr
	}
	return &runtime.Handle{BackendRef: "local://sandbox-" + sessionID, ControlEndpoint: "local://sandbox-" + sessionID}, nil
}

func (f *fakeAdapter) Adopt(ctx context.Context, backendRef string) (*runtime.Handle, error) {
	return &runtime.Handle{BackendRef: backendRef}, nil
}

func (f *fakeAdapter) Exec(ctx context.Context, h *runtime.Handle, req runtime.ExecRequest) (*runtime.ExecResult, error) {
	if f.execFn != nil {
		return f.execFn(req)
	}
	return &runtime.ExecResult{ExitCode: 0}, nil
}

func (f *fakeAdapter) WriteFile(ctx context.Context, h *runtime.Handle, path string, content io.Reader) error {
	return nil
}

func (f *fakeAdapter) ReadFile(ctx context.Context, h *runtime.Handle, path string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(nil)), nil
}

func (f *fakeAdapter) Archive(ctx context.Context, h *runtime.Handle, includePaths, excludePaths []string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(nil)), nil
}

func (f *fakeAdapter) Unarchive(ctx context.Context, h *runtime.Handle, archive io.Reader) error {
	return nil
}

func (f *fakeAdapter) Stats(ctx context.Context, h *runtime.Handle) (*runtime.Stats, error) {
	return &runtime.Stats{}, nil
}

func (f *fakeAdapter) Terminate(ctx context.Context, h *runtime.Handle) error {
	f.mu.Lock()
	f.terminateCalls++
	f.mu.Unlock()
	return f.terminateErr
}

func (f *fakeAdapter) Inspect(ctx context.Context, backendRef string) (bool, bool, error) {
	return f.inspectRunning, f.inspectExists, f.inspectErr
}

type memSessionStore struct {
	mu    sync.Mutex
	saved map[string]*model.Session
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{saved: make(map[string]*model.Session)}
}

func (s *memSessionStore) Get(ctx context.Context, id string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.saved[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return sess, nil
}

func (s *memSessionStore) Save(ctx context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.saved[sess.ID] = &cp
	return nil
}

type memArtifactStore struct {
	mu    sync.Mutex
	saved []*model.Artifact
}

func (s *memArtifactStore) Save(ctx context.Context, a *model.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, a)
	return nil
}

type fakeSnapshotGetter struct {
	snap *model.Snapshot
	err  error
}

func (f *fakeSnapshotGetter) Get(ctx context.Context, id string) (*model.Snapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.snap, nil
}

type fakeRestorer struct {
	calls int
	err   error
}

func (f *fakeRestorer) Restore(ctx context.Context, sess *model.Session, snap *model.Snapshot) error {
	f.calls++
	return f.err
}

func newTestManager(t *testing.T, adapter *fakeAdapter) (*Manager, *memSessionStore) {
	t.Helper()
	store := newMemSessionStore()
	registry := runtime.NewRegistry(adapter)
	m := New(store, registry, nil, nil, nil, nil)
	return m, store
}

func newSession(id string) *model.Session {
	return &model.Session{
		ID:      id,
		Status:  model.StatusStarting,
		Runtime: model.RuntimeDescriptor{Backend: model.BackendLocal},
	}
}

func TestManager_ProvisionSucceeds(t *testing.T) {
	adapter := &fakeAdapter{backend: model.BackendLocal}
	m, store := newTestManager(t, adapter)
	sess := newSession("sess-1")

	if err := m.Provision(context.Background(), sess); err != nil {
		t.Fatalf("Provision error: %v", err)
	}
	if sess.Status != model.StatusReady {
		t.Fatalf("Status = %v, want ready", sess.Status)
	}
	if sess.BackendRef == "" {
		t.Fatal("BackendRef should be populated after provision")
	}
	if sess.WorkspacePath != "/workspace" {
		t.Fatalf("WorkspacePath = %q, want default /workspace", sess.WorkspacePath)
	}
	if _, err := store.Get(context.Background(), sess.ID); err != nil {
		t.Fatalf("session should have been persisted: %v", err)
	}
}

func TestManager_ProvisionIsIdempotentWhenAlreadyReadyAndRunning(t *testing.T) {
	adapter := &fakeAdapter{backend: model.BackendLocal, inspectRunning: true, inspectExists: true}
	m, _ := newTestManager(t, adapter)
	sess := newSession("sess-2")
	sess.Status = model.StatusReady
	sess.BackendRef = "local://sandbox-sess-2"

	if err := m.Provision(context.Background(), sess); err != nil {
		t.Fatalf("Provision error: %v", err)
	}
	if adapter.provisionCalls != 0 {
		t.Fatalf("expected Provision to no-op when already ready+running, adapter saw %d calls", adapter.provisionCalls)
	}
}

func TestManager_ProvisionReProvisionsWhenRefGoneStale(t *testing.T) {
	adapter := &fakeAdapter{backend: model.BackendLocal, inspectRunning: false, inspectExists: false}
	m, _ := newTestManager(t, adapter)
	sess := newSession("sess-3")
	sess.Status = model.StatusReady
	sess.BackendRef = "local://sandbox-sess-3"

	if err := m.Provision(context.Background(), sess); err != nil {
		t.Fatalf("Provision error: %v", err)
	}
	if adapter.provisionCalls != 1 {
		t.Fatalf("expected Provision to re-run when inspect reports not running, got %d calls", adapter.provisionCalls)
	}
}

func TestManager_ProvisionFailureMarksFailed(t *testing.T) {
	adapter := &fakeAdapter{backend: model.BackendLocal, provisionErr: errors.New("image pull failed")}
	m, _ := newTestManager(t, adapter)
	sess := newSession("sess-4")

	err := m.Provision(context.Background(), sess)
	if err == nil {
		t.Fatal("expected Provision to surface the adapter error")
	}
	if sess.Status != model.StatusFailed {
		t.Fatalf("Status = %v, want failed", sess.Status)
	}
	if sess.Metadata["error_message"] == "" {
		t.Fatal("expected error_message to be recorded in metadata")
	}
}

func TestManager_ProvisionRestoresSnapshotWhenRequested(t *testing.T) {
	adapter := &fakeAdapter{backend: model.BackendLocal}
	store := newMemSessionStore()
	registry := runtime.NewRegistry(adapter)
	restorer := &fakeRestorer{}
	snapGetter := &fakeSnapshotGetter{snap: &model.Snapshot{ID: "snap-1"}}
	m := New(store, registry, restorer, snapGetter, nil, nil)

	sess := newSession("sess-5")
	sess.RestoreSnapshotID = "snap-1"

	if err := m.Provision(context.Background(), sess); err != nil {
		t.Fatalf("Provision error: %v", err)
	}
	if restorer.calls != 1 {
		t.Fatalf("expected restore to be called once, got %d", restorer.calls)
	}
	if sess.Status != model.StatusReady {
		t.Fatalf("Status = %v, want ready even though a restore was requested", sess.Status)
	}
}

func TestManager_ProvisionSurvivesRestoreFailure(t *testing.T) {
	adapter := &fakeAdapter{backend: model.BackendLocal}
	store := newMemSessionStore()
	registry := runtime.NewRegistry(adapter)
	restorer := &fakeRestorer{err: errors.New("archive missing")}
	snapGetter := &fakeSnapshotGetter{snap: &model.Snapshot{ID: "snap-1"}}
	m := New(store, registry, restorer, snapGetter, nil, nil)

	sess := newSession("sess-6")
	sess.RestoreSnapshotID = "snap-1"

	if err := m.Provision(context.Background(), sess); err != nil {
		t.Fatalf("a failed restore must not fail provisioning: %v", err)
	}
	if sess.Status != model.StatusReady {
		t.Fatalf("Status = %v, want ready despite restore failure", sess.Status)
	}
}

func TestManager_ExecuteOnReadySessionAdvancesActivity(t *testing.T) {
	adapter := &fakeAdapter{backend: model.BackendLocal, execFn: func(req runtime.ExecRequest) (*runtime.ExecResult, error) {
		return &runtime.ExecResult{Stdout: "hello\n", ExitCode: 0}, nil
	}}
	m, _ := newTestManager(t, adapter)
	sess := newSession("sess-7")
	sess.Status = model.StatusReady
	sess.BackendRef = "local://sandbox-sess-7"

	before := sess.LastActivityAt
	res, err := m.Execute(context.Background(), sess, []string{"echo", "hello"}, "", 0)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if res.Stdout != "hello\n" || res.ExitCode != 0 {
		t.Fatalf("unexpected exec result: %+v", res)
	}
	if !sess.LastActivityAt.After(before) {
		t.Fatal("LastActivityAt should advance after a successful Execute")
	}
}

func TestManager_ExecuteWithTimeoutWrapsCommand(t *testing.T) {
	var captured []string
	adapter := &fakeAdapter{backend: model.BackendLocal, execFn: func(req runtime.ExecRequest) (*runtime.ExecResult, error) {
		captured = req.Command
		return &runtime.ExecResult{ExitCode: 0}, nil
	}}
	m, _ := newTestManager(t, adapter)
	sess := newSession("sess-8")
	sess.Status = model.StatusReady
	sess.BackendRef = "local://sandbox-sess-8"

	if _, err := m.Execute(context.Background(), sess, []string{"sleep", "100"}, "", 5); err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if len(captured) < 3 || captured[0] != "timeout" || captured[1] != "5" {
		t.Fatalf("expected command to be wrapped with a timeout prefix, got %v", captured)
	}
}

func TestManager_ExecuteAutoReprovisionsWhenNotReady(t *testing.T) {
	adapter := &fakeAdapter{backend: model.BackendLocal}
	m, _ := newTestManager(t, adapter)
	sess := newSession("sess-9")
	sess.Status = model.StatusStarting

	if _, err := m.Execute(context.Background(), sess, []string{"echo", "hi"}, "", 0); err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if adapter.provisionCalls != 1 {
		t.Fatalf("expected exactly one auto-reprovision attempt, got %d", adapter.provisionCalls)
	}
	if sess.Status != model.StatusReady {
		t.Fatalf("Status = %v, want ready after auto-reprovision", sess.Status)
	}
}

func TestManager_ExecuteFailsWhenAutoReprovisionFails(t *testing.T) {
	adapter := &fakeAdapter{backend: model.BackendLocal, provisionErr: errors.New("no capacity")}
	m, _ := newTestManager(t, adapter)
	sess := newSession("sess-10")
	sess.Status = model.StatusStarting

	_, err := m.Execute(context.Background(), sess, []string{"echo", "hi"}, "", 0)
	if err == nil {
		t.Fatal("expected Execute to surface SandboxNotReady when auto-reprovision fails")
	}
}

func TestManager_UploadWritesFileViaBase64(t *testing.T) {
	var scripts []string
	adapter := &fakeAdapter{backend: model.BackendLocal, execFn: func(req runtime.ExecRequest) (*runtime.ExecResult, error) {
		scripts = append(scripts, strings.Join(req.Command, " "))
		return &runtime.ExecResult{ExitCode: 0}, nil
	}}
	m, _ := newTestManager(t, adapter)
	sess := newSession("sess-11")
	sess.Status = model.StatusReady
	sess.BackendRef = "local://sandbox-sess-11"

	if err := m.Upload(context.Background(), sess, "/workspace/dir/foo.txt", []byte("hello world")); err != nil {
		t.Fatalf("Upload error: %v", err)
	}
	if len(scripts) != 2 {
		t.Fatalf("expected mkdir then base64-decode write, got %d calls: %v", len(scripts), scripts)
	}
	if !strings.Contains(scripts[0], "mkdir -p /workspace/dir") {
		t.Fatalf("first call should mkdir the parent dir, got %q", scripts[0])
	}
	if !strings.Contains(scripts[1], "base64 -d") {
		t.Fatalf("second call should base64-decode into the target, got %q", scripts[1])
	}
}

func TestManager_UploadFailsOnNonZeroExit(t *testing.T) {
	calls := 0
	adapter := &fakeAdapter{backend: model.BackendLocal, execFn: func(req runtime.ExecRequest) (*runtime.ExecResult, error) {
		calls++
		if calls == 1 {
			return &runtime.ExecResult{ExitCode: 0}, nil
		}
		return &runtime.ExecResult{ExitCode: 1, Stderr: "disk full"}, nil
	}}
	m, _ := newTestManager(t, adapter)
	sess := newSession("sess-12")
	sess.Status = model.StatusReady
	sess.BackendRef = "local://sandbox-sess-12"

	if err := m.Upload(context.Background(), sess, "/workspace/foo.txt", []byte("x")); err == nil {
		t.Fatal("expected Upload to error on a non-zero decode exit code")
	}
}

func TestManager_ExportFileDecodesAndRecordsArtifact(t *testing.T) {
	adapter := &fakeAdapter{backend: model.BackendLocal, execFn: func(req runtime.ExecRequest) (*runtime.ExecResult, error) {
		return &runtime.ExecResult{ExitCode: 0, Stdout: "aGVsbG8="}, nil // base64("hello")
	}}
	store := newMemSessionStore()
	registry := runtime.NewRegistry(adapter)
	artifacts := &memArtifactStore{}
	m := New(store, registry, nil, nil, artifacts, nil)
	sess := newSession("sess-13")
	sess.Status = model.StatusReady
	sess.BackendRef = "local://sandbox-sess-13"

	art, err := m.ExportFile(context.Background(), sess, "/workspace/out.txt", "", "text/plain")
	if err != nil {
		t.Fatalf("ExportFile error: %v", err)
	}
	if art.Filename != "out.txt" {
		t.Fatalf("Filename = %q, want derived basename out.txt", art.Filename)
	}
	if art.SizeBytes != int64(len("hello")) {
		t.Fatalf("SizeBytes = %d, want %d", art.SizeBytes, len("hello"))
	}
	if !strings.Contains(art.DownloadURL, sess.ID) {
		t.Fatalf("DownloadURL should reference the session id, got %q", art.DownloadURL)
	}
	if len(artifacts.saved) != 1 {
		t.Fatalf("expected artifact to be persisted, got %d saved", len(artifacts.saved))
	}
}

func TestManager_ExportFileUsesArtifactBaseURL(t *testing.T) {
	adapter := &fakeAdapter{backend: model.BackendLocal, execFn: func(req runtime.ExecRequest) (*runtime.ExecResult, error) {
		return &runtime.ExecResult{ExitCode: 0, Stdout: "aGVsbG8="}, nil
	}}
	m, _ := newTestManager(t, adapter)
	m.ArtifactBaseURL = "https://cdn.example.com/artifacts/"
	sess := newSession("sess-14")
	sess.Status = model.StatusReady
	sess.BackendRef = "local://sandbox-sess-14"

	art, err := m.ExportFile(context.Background(), sess, "/workspace/out.txt", "out.txt", "")
	if err != nil {
		t.Fatalf("ExportFile error: %v", err)
	}
	if !strings.HasPrefix(art.DownloadURL, "https://cdn.example.com/artifacts/") {
		t.Fatalf("DownloadURL = %q, want ArtifactBaseURL prefix", art.DownloadURL)
	}
}

func TestManager_CaptureScreenshotFailsCleanlyWithoutTooling(t *testing.T) {
	adapter := &fakeAdapter{backend: model.BackendLocal, execFn: func(req runtime.ExecRequest) (*runtime.ExecResult, error) {
		return &runtime.ExecResult{ExitCode: 3, Stderr: "no screenshot tooling available"}, nil
	}}
	m, _ := newTestManager(t, adapter)
	sess := newSession("sess-15")
	sess.Status = model.StatusReady
	sess.BackendRef = "local://sandbox-sess-15"

	_, err := m.CaptureScreenshot(context.Background(), sess)
	if err == nil {
		t.Fatal("expected CaptureScreenshot to fail cleanly when no tooling is present")
	}
}

func TestManager_TerminateIsIdempotent(t *testing.T) {
	adapter := &fakeAdapter{backend: model.BackendLocal}
	m, _ := newTestManager(t, adapter)
	sess := newSession("sess-16")
	sess.Status = model.StatusReady
	sess.BackendRef = "local://sandbox-sess-16"

	if err := m.Terminate(context.Background(), sess, "user_requested"); err != nil {
		t.Fatalf("Terminate error: %v", err)
	}
	if sess.Status != model.StatusTerminated {
		t.Fatalf("Status = %v, want terminated", sess.Status)
	}
	if sess.Metadata["terminated_reason"] != "user_requested" {
		t.Fatalf("terminated_reason = %q", sess.Metadata["terminated_reason"])
	}
	if adapter.terminateCalls != 1 {
		t.Fatalf("expected exactly one runtime Terminate call, got %d", adapter.terminateCalls)
	}

	// Calling Terminate again must be a no-op: no second runtime call.
	if err := m.Terminate(context.Background(), sess, "second_call"); err != nil {
		t.Fatalf("second Terminate error: %v", err)
	}
	if adapter.terminateCalls != 1 {
		t.Fatalf("Terminate should be idempotent, adapter saw %d calls", adapter.terminateCalls)
	}
	if sess.Metadata["terminated_reason"] != "user_requested" {
		t.Fatalf("terminated_reason should not change on a no-op re-terminate, got %q", sess.Metadata["terminated_reason"])
	}
}

func TestManager_TerminateToleratesRuntimeFailure(t *testing.T) {
	adapter := &fakeAdapter{backend: model.BackendLocal, terminateErr: errors.New("container already gone")}
	m, _ := newTestManager(t, adapter)
	sess := newSession("sess-17")
	sess.Status = model.StatusReady
	sess.BackendRef = "local://sandbox-sess-17"

	if err := m.Terminate(context.Background(), sess, "reaped"); err != nil {
		t.Fatalf("Terminate should tolerate a runtime-level failure: %v", err)
	}
	if sess.Status != model.StatusTerminated {
		t.Fatalf("Status = %v, want terminated even when runtime.Terminate errors", sess.Status)
	}
}
