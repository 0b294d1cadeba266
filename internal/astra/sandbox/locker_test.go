package sandbox

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLocker_WithLockSerializesSameSession(t *testing.T) {
	l := NewLocker(time.Second)
	var active int32
	var maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.WithLock(context.Background(), "sess-shared", func() error {
				n := atomic.AddInt32(&active, 1)
				if n > atomic.LoadInt32(&maxActive) {
					atomic.StoreInt32(&maxActive, n)
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Fatalf("max concurrent holders = %d, want 1 (same session must serialize)", maxActive)
	}
}

func TestLocker_DistinctSessionsDoNotBlockEachOther(t *testing.T) {
	l := NewLocker(time.Second)
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_ = l.WithLock(context.Background(), "sess-a", func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	done := make(chan struct{})
	go func() {
		_ = l.WithLock(context.Background(), "sess-b", func() error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different session should not block while sess-a's lock is held")
	}
	close(release)
}

func TestLocker_LockTimesOutWhenHeld(t *testing.T) {
	l := NewLocker(20 * time.Millisecond)
	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = l.WithLock(context.Background(), "sess-timeout", func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	err := l.Lock(context.Background(), "sess-timeout")
	if err != ErrLockTimeout {
		t.Fatalf("Lock error = %v, want ErrLockTimeout", err)
	}
}

func TestLocker_LockRespectsContextCancellation(t *testing.T) {
	l := NewLocker(time.Minute)
	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = l.WithLock(context.Background(), "sess-ctx", func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Lock(ctx, "sess-ctx"); err != context.DeadlineExceeded {
		t.Fatalf("Lock error = %v, want context.DeadlineExceeded", err)
	}
}

func TestLocker_UnlockWithoutPriorLockIsNoop(t *testing.T) {
	l := NewLocker(time.Second)
	l.Unlock("never-locked")
	if err := l.Lock(context.Background(), "never-locked"); err != nil {
		t.Fatalf("Lock after a no-op Unlock should succeed, got %v", err)
	}
}
