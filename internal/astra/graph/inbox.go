package graph

import (
	"context"
	"sync"
)

// CancelSentinel is pushed onto a session's inbox to unblock an interrupt
// wait without delivering a real human reply.
const CancelSentinel = "cancel"

// ResumeSentinel is pushed by the Session Controller's resume operation to
// wake an awaiting interrupt that has no new message text of its own.
const ResumeSentinel = "user_done"

// Inbox is a per-session blocking mailbox: the interrupt node waits on it,
// and the Session Controller's resume/cancel/message operations push into
// it. A single-slot human-reply channel rather than a buffered queue, since
// only one interrupt node is ever waiting per session.
type Inbox struct {
	mu   sync.Mutex
	subs map[string]chan string
}

// NewInbox creates an empty Inbox.
func NewInbox() *Inbox {
	return &Inbox{subs: make(map[string]chan string)}
}

// Push delivers message to sessionID's waiter, if one is currently
// blocked in Wait. If nobody is waiting, Push is a no-op: the interrupt
// protocol only ever has one reader (the interrupt node of that session's
// own run), so there is nothing to buffer for.
func (b *Inbox) Push(sessionID, message string) bool {
	b.mu.Lock()
	ch, ok := b.subs[sessionID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- message:
		return true
	default:
		return false
	}
}

// Wait blocks until a message is pushed for sessionID, ctx is cancelled, or
// another waiter is already registered for the same session (returns an
// error in that case — at most one interrupt wait is valid per session at
// a time).
func (b *Inbox) Wait(ctx context.Context, sessionID string) (string, error) {
	ch := make(chan string, 1)
	b.mu.Lock()
	if _, exists := b.subs[sessionID]; exists {
		b.mu.Unlock()
		return "", errAlreadyWaiting
	}
	b.subs[sessionID] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.subs, sessionID)
		b.mu.Unlock()
	}()

	select {
	case msg := <-ch:
		return msg, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

var errAlreadyWaiting = &inboxError{"graph: inbox already has a waiter for this session"}

type inboxError struct{ msg string }

func (e *inboxError) Error() string { return e.msg }
