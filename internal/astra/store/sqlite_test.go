package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/astraforge/sandbox-core/internal/astra/astraerrors"
	"github.com/astraforge/sandbox-core/internal/astra/model"

	_ "modernc.org/sqlite" // pure-Go driver, no cgo toolchain needed
)

// newTestStore opens an in-memory sqlite database, skipping if the driver
// somehow isn't registered under this build (matches the defensive skip
// pattern other pack repos use around modernc.org/sqlite).
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		if strings.Contains(err.Error(), "unknown driver") {
			t.Skip("sqlite driver not available")
		}
		t.Fatalf("OpenSQLite error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testSession(id string) *model.Session {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &model.Session{
		ID:        id,
		UserID:    "user-1",
		Workspace: "default",
		Runtime: model.RuntimeDescriptor{
			Backend: model.BackendLocal,
			Image:   "astraforge/sandbox:latest",
			Limits: model.ResourceLimits{
				CPU:            2,
				MemoryBytes:    1 << 30,
				EphemeralBytes: 1 << 31,
			},
			NetworkPolicy:   "egress-only",
			SecurityProfile: "default",
		},
		BackendRef:      "container-abc",
		ControlEndpoint: "unix:///tmp/sock",
		WorkspacePath:   "/workspace",
		Status:          model.StatusReady,
		CreatedAt:       now,
		LastActivityAt:  now,
		LastHeartbeatAt: now,
		IdleTimeoutSec:  900,
		MaxLifetimeSec:  3600,
		CPUSeconds:      12.5,
		StorageBytes:    4096,
		Metadata:        map[string]string{"k": "v"},
	}
}

func TestSQLiteStore_SessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	want := testSession("sess-1")

	if err := s.SaveSession(ctx, want); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	got, err := s.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.ID != want.ID || got.Runtime.Image != want.Runtime.Image || got.Metadata["k"] != "v" {
		t.Fatalf("round-tripped session mismatch: %+v", got)
	}
	if got.Runtime.Limits.CPU != 2 || got.Runtime.Limits.MemoryBytes != 1<<30 {
		t.Fatalf("runtime limits did not round-trip: %+v", got.Runtime.Limits)
	}

	// Upsert on conflict.
	want.Status = model.StatusTerminated
	if err := s.SaveSession(ctx, want); err != nil {
		t.Fatalf("SaveSession upsert: %v", err)
	}
	got, err = s.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession after upsert: %v", err)
	}
	if got.Status != model.StatusTerminated {
		t.Fatalf("Status = %v, want terminated after upsert", got.Status)
	}
}

func TestSQLiteStore_GetSession_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSession(context.Background(), "missing")
	if err != astraerrors.ErrSessionNotFound {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestSQLiteStore_ListReadySessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ready := testSession("sess-ready")
	ready.Status = model.StatusReady
	starting := testSession("sess-starting")
	starting.Status = model.StatusStarting
	if err := s.SaveSession(ctx, ready); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSession(ctx, starting); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListReadySessions(ctx)
	if err != nil {
		t.Fatalf("ListReadySessions: %v", err)
	}
	if len(got) != 1 || got[0].ID != "sess-ready" {
		t.Fatalf("ListReadySessions = %+v, want only sess-ready", got)
	}
}

func TestSQLiteStore_SnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	snap := &model.Snapshot{
		ID:             "snap-1",
		SessionID:      "sess-1",
		Label:          "checkpoint",
		ArchivePath:    "/var/astraforge/snapshots/snap-1.tar.gz",
		ObjectStoreKey: "snapshots/sess-1/snap-1.tar.gz",
		SizeBytes:      2048,
		IncludePaths:   []string{"/workspace"},
		ExcludePaths:   []string{"/workspace/.cache"},
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	got, err := s.GetSnapshot(ctx, "snap-1")
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if got.SessionID != "sess-1" || len(got.IncludePaths) != 1 || got.IncludePaths[0] != "/workspace" {
		t.Fatalf("round-tripped snapshot mismatch: %+v", got)
	}

	second := &model.Snapshot{ID: "snap-2", SessionID: "sess-1", ArchivePath: "/x", CreatedAt: time.Now().UTC()}
	if err := s.SaveSnapshot(ctx, second); err != nil {
		t.Fatal(err)
	}
	list, err := s.ListSnapshots(ctx, "sess-1")
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("ListSnapshots len = %d, want 2", len(list))
	}
}

func TestSQLiteStore_GetSnapshot_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSnapshot(context.Background(), "missing")
	if err != astraerrors.ErrSnapshotNotFound {
		t.Fatalf("err = %v, want ErrSnapshotNotFound", err)
	}
}

func TestSQLiteStore_ArtifactRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	art := &model.Artifact{
		ID:          "art-1",
		SessionID:   "sess-1",
		Filename:    "report.pdf",
		ContentType: "application/pdf",
		SizeBytes:   512,
		StoragePath: "artifacts/sess-1/art-1",
		DownloadURL: "https://example.com/art-1",
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.SaveArtifact(ctx, art); err != nil {
		t.Fatalf("SaveArtifact: %v", err)
	}
	got, err := s.GetArtifact(ctx, "art-1")
	if err != nil {
		t.Fatalf("GetArtifact: %v", err)
	}
	if got.Filename != "report.pdf" || got.ContentType != "application/pdf" {
		t.Fatalf("round-tripped artifact mismatch: %+v", got)
	}

	list, err := s.ListArtifacts(ctx, "sess-1")
	if err != nil {
		t.Fatalf("ListArtifacts: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ListArtifacts len = %d, want 1", len(list))
	}
}

func TestSQLiteStore_GetArtifact_NotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetArtifact(context.Background(), "missing"); err == nil {
		t.Fatal("expected an error for a missing artifact")
	}
}

func TestSQLiteStore_ConversationRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	conv := &model.Conversation{
		ID:        "conv-1",
		SessionID: "sess-1",
		Status:    model.ConversationRunning,
		Goal:      "build the thing",
		State: model.ConversationState{
			Plan:      "1. do it",
			PlanSteps: []model.PlanStep{{Title: "do it", Status: model.PlanStepInProgress}},
			Summary:   "",
			Messages:  []model.Message{{Role: model.RoleUser, Content: "go"}},
		},
		LastSnapshotID: "snap-1",
		Events:         []model.Event{{Type: model.EventStatus, SessionID: "sess-1"}},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.SaveConversation(ctx, conv); err != nil {
		t.Fatalf("SaveConversation: %v", err)
	}

	byID, err := s.GetConversation(ctx, "conv-1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if byID.Goal != "build the thing" || len(byID.State.Messages) != 1 || byID.State.Messages[0].Content != "go" {
		t.Fatalf("round-tripped conversation mismatch: %+v", byID)
	}

	bySession, err := s.GetConversationBySession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetConversationBySession: %v", err)
	}
	if bySession.ID != "conv-1" {
		t.Fatalf("GetConversationBySession returned %q, want conv-1", bySession.ID)
	}

	conv.Status = model.ConversationCompleted
	conv.State.Summary = "done"
	if err := s.SaveConversation(ctx, conv); err != nil {
		t.Fatalf("SaveConversation upsert: %v", err)
	}
	updated, err := s.GetConversation(ctx, "conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != model.ConversationCompleted || updated.State.Summary != "done" {
		t.Fatalf("upsert did not apply, got %+v", updated)
	}
}

func TestSQLiteStore_GetConversation_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetConversation(context.Background(), "missing")
	if err != astraerrors.ErrConversationNotFound {
		t.Fatalf("err = %v, want ErrConversationNotFound", err)
	}
}

func TestSQLiteStore_CheckpointRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	state := model.ConversationState{Plan: "plan", Summary: "sum"}

	if err := s.SaveCheckpoint(ctx, "sess-1", state, "agent"); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	gotState, node, ok, err := s.LoadCheckpoint(ctx, "sess-1")
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if !ok || node != "agent" || gotState.Plan != "plan" {
		t.Fatalf("LoadCheckpoint = (%+v, %q, %v), want plan state at node agent", gotState, node, ok)
	}

	if err := s.SaveCheckpoint(ctx, "sess-1", model.ConversationState{Plan: "plan2"}, "tools"); err != nil {
		t.Fatalf("SaveCheckpoint overwrite: %v", err)
	}
	gotState, node, ok, err = s.LoadCheckpoint(ctx, "sess-1")
	if err != nil || !ok || node != "tools" || gotState.Plan != "plan2" {
		t.Fatalf("checkpoint overwrite did not apply, got (%+v, %q, %v, %v)", gotState, node, ok, err)
	}
}

func TestSQLiteStore_LoadCheckpoint_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, _, ok, err := s.LoadCheckpoint(context.Background(), "missing")
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if ok {
		t.Fatal("ok should be false when no checkpoint exists")
	}
}

func TestMarshalUnmarshalState_RoundTrip(t *testing.T) {
	state := model.ConversationState{
		Plan:      "do things",
		PlanSteps: []model.PlanStep{{Title: "a", Status: model.PlanStepCompleted}},
		Summary:   "summary",
		Messages:  []model.Message{{Role: model.RoleAssistant, Content: "hi"}},
	}
	payload, err := marshalState(state)
	if err != nil {
		t.Fatalf("marshalState: %v", err)
	}
	got, err := unmarshalState(payload)
	if err != nil {
		t.Fatalf("unmarshalState: %v", err)
	}
	if got.Plan != state.Plan || len(got.PlanSteps) != 1 || got.Messages[0].Content != "hi" {
		t.Fatalf("state did not round-trip, got %+v", got)
	}
}

func TestUnmarshalState_InvalidJSON(t *testing.T) {
	if _, err := unmarshalState("not json"); err == nil {
		t.Fatal("expected an error decoding invalid checkpoint state")
	}
}
