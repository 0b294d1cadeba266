package sandbox

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockTimeout is returned when acquiring a session lock times out.
var ErrLockTimeout = errors.New("sandbox: lock acquisition timeout")

// DefaultLockTimeout bounds how long a caller waits for a session's lock
// before giving up, so the Reaper, Controller, and
// Driver never deadlock against one another over the same Session row.
const DefaultLockTimeout = 5 * time.Second

const lockPollInterval = 10 * time.Millisecond

type sessionMutex struct {
	mu     sync.Mutex
	locked bool
}

// Locker provides per-session mutual exclusion over the Session aggregate's
// status and metadata mutations. It is the in-process equivalent of a
// row-level database lock: callers on the same orchestrator instance never
// race on the same session id, and unrelated sessions never block each
// other.
type Locker struct {
	locks   sync.Map // map[string]*sessionMutex
	timeout time.Duration
}

// NewLocker creates a Locker with the given default acquire timeout. A
// non-positive timeout uses DefaultLockTimeout.
func NewLocker(timeout time.Duration) *Locker {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &Locker{timeout: timeout}
}

func (l *Locker) getOrCreate(sessionID string) *sessionMutex {
	if m, ok := l.locks.Load(sessionID); ok {
		return m.(*sessionMutex)
	}
	m, _ := l.locks.LoadOrStore(sessionID, &sessionMutex{})
	return m.(*sessionMutex)
}

// Lock blocks until sessionID's lock is acquired, ctx is cancelled, or the
// configured timeout elapses.
func (l *Locker) Lock(ctx context.Context, sessionID string) error {
	m := l.getOrCreate(sessionID)
	deadline := time.Now().Add(l.timeout)
	for {
		m.mu.Lock()
		if !m.locked {
			m.locked = true
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPollInterval):
		}
		if time.Now().After(deadline) {
			return ErrLockTimeout
		}
	}
}

// Unlock releases sessionID's lock. Safe to call even if the session has no
// tracked mutex (no-op).
func (l *Locker) Unlock(sessionID string) {
	if m, ok := l.locks.Load(sessionID); ok {
		mu := m.(*sessionMutex)
		mu.mu.Lock()
		mu.locked = false
		mu.mu.Unlock()
	}
}

// WithLock runs fn while holding sessionID's lock.
func (l *Locker) WithLock(ctx context.Context, sessionID string, fn func() error) error {
	if err := l.Lock(ctx, sessionID); err != nil {
		return err
	}
	defer l.Unlock(sessionID)
	return fn()
}
