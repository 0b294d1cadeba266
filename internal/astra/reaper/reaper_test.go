package reaper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/astraforge/sandbox-core/internal/astra/model"
)

type fakeLister struct {
	sessions []*model.Session
	err      error
}

func (f *fakeLister) ListReady(ctx context.Context) ([]*model.Session, error) {
	return f.sessions, f.err
}

type fakeTerminator struct {
	terminated []string
	reasons    []string
	err        error
}

func (f *fakeTerminator) Terminate(ctx context.Context, sess *model.Session, reason string) error {
	if f.err != nil {
		return f.err
	}
	f.terminated = append(f.terminated, sess.ID)
	f.reasons = append(f.reasons, reason)
	return nil
}

func TestRunOnce_TerminatesExpiredMaxLifetime(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	expired := now.Add(-time.Minute)

	lister := &fakeLister{sessions: []*model.Session{
		{ID: "sess-1", MaxLifetimeSec: 3600, ExpiresAt: &expired},
	}}
	term := &fakeTerminator{}
	r := New(lister, term, nil, func() time.Time { return now })

	rep, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if rep.Checked != 1 || rep.Terminated != 1 {
		t.Fatalf("Report = %+v, want Checked=1 Terminated=1", rep)
	}
	if len(term.terminated) != 1 || term.terminated[0] != "sess-1" {
		t.Fatalf("terminated = %v, want [sess-1]", term.terminated)
	}
	if term.reasons[0] != string(ReasonMaxLifetime) {
		t.Fatalf("reason = %q, want %q", term.reasons[0], ReasonMaxLifetime)
	}
}

func TestRunOnce_TerminatesIdleTimeout(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	lastActivity := now.Add(-10 * time.Minute)

	lister := &fakeLister{sessions: []*model.Session{
		{ID: "sess-1", IdleTimeoutSec: 300, LastActivityAt: lastActivity},
	}}
	term := &fakeTerminator{}
	r := New(lister, term, nil, func() time.Time { return now })

	rep, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if rep.Terminated != 1 {
		t.Fatalf("Terminated = %d, want 1", rep.Terminated)
	}
	if term.reasons[0] != string(ReasonIdleTimeout) {
		t.Fatalf("reason = %q, want %q", term.reasons[0], ReasonIdleTimeout)
	}
}

func TestRunOnce_SkipsSessionsWithinDeadline(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	notYetExpired := now.Add(time.Hour)
	recentActivity := now.Add(-time.Minute)

	lister := &fakeLister{sessions: []*model.Session{
		{ID: "sess-1", MaxLifetimeSec: 3600, ExpiresAt: &notYetExpired},
		{ID: "sess-2", IdleTimeoutSec: 300, LastActivityAt: recentActivity},
	}}
	term := &fakeTerminator{}
	r := New(lister, term, nil, func() time.Time { return now })

	rep, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if rep.Checked != 2 || rep.Terminated != 0 {
		t.Fatalf("Report = %+v, want Checked=2 Terminated=0", rep)
	}
}

func TestRunOnce_MaxLifetimeTakesPrecedenceOverIdleTimeout(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	expired := now.Add(-time.Second)
	recentActivity := now.Add(-time.Second)

	lister := &fakeLister{sessions: []*model.Session{
		{ID: "sess-1", MaxLifetimeSec: 60, ExpiresAt: &expired, IdleTimeoutSec: 3600, LastActivityAt: recentActivity},
	}}
	term := &fakeTerminator{}
	r := New(lister, term, nil, func() time.Time { return now })

	if _, err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if term.reasons[0] != string(ReasonMaxLifetime) {
		t.Fatalf("reason = %q, want %q (max lifetime takes precedence)", term.reasons[0], ReasonMaxLifetime)
	}
}

func TestRunOnce_ListerErrorPropagates(t *testing.T) {
	wantErr := errors.New("store unavailable")
	lister := &fakeLister{err: wantErr}
	r := New(lister, &fakeTerminator{}, nil, nil)

	_, err := r.RunOnce(context.Background())
	if !errors.Is(err, wantErr) {
		t.Fatalf("RunOnce() error = %v, want %v", err, wantErr)
	}
}

func TestRunOnce_TerminateFailureDoesNotHaltPass(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	expired := now.Add(-time.Minute)

	lister := &fakeLister{sessions: []*model.Session{
		{ID: "sess-1", MaxLifetimeSec: 60, ExpiresAt: &expired},
		{ID: "sess-2", MaxLifetimeSec: 60, ExpiresAt: &expired},
	}}
	term := &fakeTerminator{err: errors.New("backend unreachable")}
	r := New(lister, term, nil, func() time.Time { return now })

	rep, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v, want nil (per-session errors are logged, not fatal)", err)
	}
	if rep.Checked != 2 || rep.Terminated != 0 {
		t.Fatalf("Report = %+v, want Checked=2 Terminated=0", rep)
	}
}

func TestRun_StopsOnContextCancellation(t *testing.T) {
	lister := &fakeLister{}
	r := New(lister, &fakeTerminator{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, time.Millisecond)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Run to return after context cancellation")
	}
}
