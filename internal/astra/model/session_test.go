package model

import (
	"testing"
	"time"
)

func TestSession_CloneIsIndependent(t *testing.T) {
	expires := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	orig := &Session{
		ID:        "sess-1",
		ExpiresAt: &expires,
		Metadata:  map[string]string{"k": "v"},
	}

	cp := orig.Clone()
	cp.Metadata["k"] = "changed"
	*cp.ExpiresAt = expires.Add(time.Hour)

	if orig.Metadata["k"] != "v" {
		t.Fatalf("mutating the clone's metadata affected the original: %v", orig.Metadata)
	}
	if !orig.ExpiresAt.Equal(expires) {
		t.Fatalf("mutating the clone's ExpiresAt affected the original: %v", orig.ExpiresAt)
	}
}

func TestSession_CloneNilReceiver(t *testing.T) {
	var s *Session
	if s.Clone() != nil {
		t.Fatal("Clone() on a nil *Session should return nil")
	}
}

func TestSession_ComputeExpiry(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	withLifetime := &Session{CreatedAt: created, MaxLifetimeSec: 3600}
	withLifetime.ComputeExpiry()
	if withLifetime.ExpiresAt == nil || !withLifetime.ExpiresAt.Equal(created.Add(time.Hour)) {
		t.Fatalf("ExpiresAt = %v, want %v", withLifetime.ExpiresAt, created.Add(time.Hour))
	}

	noLifetime := &Session{CreatedAt: created, MaxLifetimeSec: 0}
	noLifetime.ComputeExpiry()
	if noLifetime.ExpiresAt != nil {
		t.Fatalf("ExpiresAt = %v, want nil when no lifetime is configured", noLifetime.ExpiresAt)
	}
}

func TestSession_IsTerminal(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusStarting, false},
		{StatusReady, false},
		{StatusFailed, false},
		{StatusTerminated, true},
	}

	for _, tt := range tests {
		s := &Session{Status: tt.status}
		if got := s.IsTerminal(); got != tt.want {
			t.Errorf("IsTerminal() for status %q = %v, want %v", tt.status, got, tt.want)
		}
	}
}
