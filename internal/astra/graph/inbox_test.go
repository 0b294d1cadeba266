package graph

import (
	"context"
	"testing"
	"time"
)

func TestInbox_PushWaitRoundTrip(t *testing.T) {
	inbox := NewInbox()
	results := make(chan string, 1)
	errs := make(chan error, 1)

	go func() {
		msg, err := inbox.Wait(context.Background(), "sess-1")
		results <- msg
		errs <- err
	}()

	// Give the waiter a moment to register before pushing.
	deadline := time.Now().Add(time.Second)
	for {
		if inbox.Push("sess-1", "PDF") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Push never found a waiter registered for sess-1")
		}
		time.Sleep(time.Millisecond)
	}

	if err := <-errs; err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if got := <-results; got != "PDF" {
		t.Fatalf("Wait returned %q, want PDF", got)
	}
}

func TestInbox_PushWithNoWaiterIsNoop(t *testing.T) {
	inbox := NewInbox()
	if inbox.Push("nobody-waiting", "hello") {
		t.Fatal("Push should return false when nobody is waiting")
	}
}

func TestInbox_WaitCancelledByContext(t *testing.T) {
	inbox := NewInbox()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := inbox.Wait(ctx, "sess-2")
	if err == nil {
		t.Fatal("Wait should return an error when the context is cancelled")
	}
}

func TestInbox_SecondWaiterOnSameSessionErrors(t *testing.T) {
	inbox := NewInbox()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = inbox.Wait(ctx, "sess-3")
	}()
	<-started
	time.Sleep(10 * time.Millisecond)

	_, err := inbox.Wait(context.Background(), "sess-3")
	if err == nil {
		t.Fatal("a second concurrent Wait for the same session should error")
	}
}

func TestInbox_CancelSentinelDelivered(t *testing.T) {
	inbox := NewInbox()
	done := make(chan string, 1)
	go func() {
		msg, _ := inbox.Wait(context.Background(), "sess-4")
		done <- msg
	}()

	deadline := time.Now().Add(time.Second)
	for !inbox.Push("sess-4", CancelSentinel) {
		if time.Now().After(deadline) {
			t.Fatal("never delivered cancel sentinel")
		}
		time.Sleep(time.Millisecond)
	}
	if got := <-done; got != CancelSentinel {
		t.Fatalf("Wait returned %q, want cancel sentinel", got)
	}
}

func TestInbox_WaitDoesNotLeakRegistrationAfterReturn(t *testing.T) {
	inbox := NewInbox()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _ = inbox.Wait(ctx, "sess-5")

	// After the first Wait returns (timeout), a fresh Wait for the same
	// session must be able to register again rather than erroring as if a
	// stale waiter were still present.
	done := make(chan string, 1)
	go func() {
		msg, _ := inbox.Wait(context.Background(), "sess-5")
		done <- msg
	}()
	deadline := time.Now().Add(time.Second)
	for !inbox.Push("sess-5", "hi") {
		if time.Now().After(deadline) {
			t.Fatal("second Wait never registered; stale waiter from the first Wait was not cleaned up")
		}
		time.Sleep(time.Millisecond)
	}
	if got := <-done; got != "hi" {
		t.Fatalf("second Wait returned %q, want hi", got)
	}
}
