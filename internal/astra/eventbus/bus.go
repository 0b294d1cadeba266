// Package eventbus fans events out to per-session subscribers with a bounded
// backlog for reconnect replay and two-lane backpressure so a slow SSE
// client can never stall event production for the session.
package eventbus

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/astraforge/sandbox-core/internal/astra/model"
)

const (
	defaultBacklog         = 512
	defaultBacklogTTL      = 6 * time.Hour
	defaultSubscriberQueue = 256
)

// Config controls backlog retention and subscriber buffering.
type Config struct {
	BacklogSize int
	BacklogTTL  time.Duration
}

// DefaultConfig mirrors the orchestrator's default event bus sizing.
func DefaultConfig() Config {
	return Config{BacklogSize: defaultBacklog, BacklogTTL: defaultBacklogTTL}
}

// Bus is a per-session event bus: one instance manages fan-out and backlog
// for every session the process is driving. Sessions are created lazily on
// first Publish or Subscribe.
type Bus struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*sessionStream

	// wm is a watermill gochannel pub/sub carrying the same events onto
	// per-session topics for out-of-process-shaped consumers (today: the
	// httpapi event mirror that folds the stream into the persisted
	// Conversation.Events). It runs alongside, not instead of, the direct
	// Subscription fan-out above: the two have different delivery
	// contracts (gochannel has no replay/backlog of its own), so SSE
	// subscribers keep using Subscribe/backlog while the mirror uses this.
	wm *gochannel.GoChannel
}

// New creates a Bus. A zero Config uses DefaultConfig sizing.
func New(cfg Config) *Bus {
	if cfg.BacklogSize <= 0 {
		cfg.BacklogSize = defaultBacklog
	}
	if cfg.BacklogTTL <= 0 {
		cfg.BacklogTTL = defaultBacklogTTL
	}
	wm := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: int64(defaultSubscriberQueue)}, watermill.NopLogger{})
	return &Bus{cfg: cfg, sessions: make(map[string]*sessionStream), wm: wm}
}

// Topic returns the watermill topic name carrying sessionID's events, for
// callers that consume the bus through Watermill() directly.
func Topic(sessionID string) string { return "astra.events." + sessionID }

// Watermill exposes the underlying gochannel pub/sub so a consumer (the
// event mirror) can Subscribe to a session's topic without depending on the
// Subscription/backlog machinery meant for SSE clients.
func (b *Bus) Watermill() *gochannel.GoChannel { return b.wm }

type sessionStream struct {
	mu          sync.Mutex
	backlog     []model.Event
	nextSeq     uint64
	subscribers map[*Subscription]struct{}
	lastActive  time.Time
}

// Publish appends e to sessionID's backlog (assigning the next sequence
// number) and fans it out to every live subscriber. High-priority event
// types (everything except log/heartbeat) are delivered even to a lagging
// subscriber by blocking briefly; low-priority types are dropped for a
// subscriber whose queue is full.
func (b *Bus) Publish(sessionID string, e model.Event) model.Event {
	s := b.getOrCreate(sessionID)

	s.mu.Lock()
	s.nextSeq++
	e.SessionID = sessionID
	e.Sequence = s.nextSeq
	if e.TS.IsZero() {
		e.TS = time.Now()
	}
	s.backlog = append(s.backlog, e)
	s.lastActive = e.TS
	s.trimBacklogLocked(b.cfg)
	subs := make([]*Subscription, 0, len(s.subscribers))
	for sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(e)
	}

	if payload, err := json.Marshal(e); err == nil {
		msg := message.NewMessage(watermill.NewUUID(), payload)
		// gochannel.Publish only errors if the pub/sub is closed; the mirror
		// consuming it is a best-effort persistence aid, never load-bearing
		// for the live SSE path above, so a publish failure here is dropped.
		_ = b.wm.Publish(Topic(sessionID), msg)
	}

	return e
}

func (s *sessionStream) trimBacklogLocked(cfg Config) {
	cutoff := time.Now().Add(-cfg.BacklogTTL)
	start := 0
	if len(s.backlog) > cfg.BacklogSize {
		start = len(s.backlog) - cfg.BacklogSize
	}
	for start < len(s.backlog) && s.backlog[start].TS.Before(cutoff) {
		start++
	}
	if start > 0 {
		s.backlog = append([]model.Event(nil), s.backlog[start:]...)
	}
}

// Subscription is a live handle to a session's event stream, with a
// replay-from-sequence backlog snapshot taken at subscribe time.
type Subscription struct {
	sessionID string
	bus       *Bus
	out       chan model.Event
	lowLane   chan model.Event
	dropped   uint64
	closed    uint32
	done      chan struct{}
}

// Events returns the channel to range over for delivered events.
func (s *Subscription) Events() <-chan model.Event { return s.out }

// DroppedCount returns how many low-priority events were dropped because
// this subscriber could not keep up.
func (s *Subscription) DroppedCount() uint64 { return atomic.LoadUint64(&s.dropped) }

// Close detaches the subscription from its session. Safe to call more than once.
func (s *Subscription) Close() {
	if !atomic.CompareAndSwapUint32(&s.closed, 0, 1) {
		return
	}
	s.bus.removeSubscriber(s.sessionID, s)
	close(s.done)
}

func (s *Subscription) deliver(e model.Event) {
	if atomic.LoadUint32(&s.closed) == 1 {
		return
	}
	if isDroppable(e.Type) {
		select {
		case s.lowLane <- e:
		default:
			atomic.AddUint64(&s.dropped, 1)
		}
		return
	}
	select {
	case s.out <- e:
	case <-s.done:
	case <-time.After(2 * time.Second):
		atomic.AddUint64(&s.dropped, 1)
	}
}

func isDroppable(t model.EventType) bool {
	switch t {
	case model.EventHeartbeat, model.EventLog:
		return true
	default:
		return false
	}
}

// Subscribe attaches a new subscriber to sessionID and returns the backlog
// events with Sequence greater than sinceSeq for immediate replay, plus the
// live Subscription. Pass sinceSeq=0 for a fresh client with no prior state.
func (b *Bus) Subscribe(sessionID string, sinceSeq uint64) ([]model.Event, *Subscription) {
	s := b.getOrCreate(sessionID)

	sub := &Subscription{
		sessionID: sessionID,
		bus:       b,
		out:       make(chan model.Event, defaultSubscriberQueue),
		lowLane:   make(chan model.Event, defaultSubscriberQueue),
		done:      make(chan struct{}),
	}
	go sub.mergeLowLane()

	s.mu.Lock()
	defer s.mu.Unlock()
	var replay []model.Event
	for _, e := range s.backlog {
		if e.Sequence > sinceSeq {
			replay = append(replay, e)
		}
	}
	if s.subscribers == nil {
		s.subscribers = make(map[*Subscription]struct{})
	}
	s.subscribers[sub] = struct{}{}
	return replay, sub
}

// mergeLowLane forwards droppable events into out without starving
// high-priority deliveries; it exits once the subscription closes.
func (s *Subscription) mergeLowLane() {
	for {
		select {
		case e, ok := <-s.lowLane:
			if !ok {
				return
			}
			select {
			case s.out <- e:
			case <-s.done:
				return
			default:
				atomic.AddUint64(&s.dropped, 1)
			}
		case <-s.done:
			return
		}
	}
}

func (b *Bus) removeSubscriber(sessionID string, sub *Subscription) {
	b.mu.RLock()
	s, ok := b.sessions[sessionID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.subscribers, sub)
	s.mu.Unlock()
}

func (b *Bus) getOrCreate(sessionID string) *sessionStream {
	b.mu.RLock()
	s, ok := b.sessions[sessionID]
	b.mu.RUnlock()
	if ok {
		return s
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok = b.sessions[sessionID]; ok {
		return s
	}
	s = &sessionStream{subscribers: make(map[*Subscription]struct{}), lastActive: time.Now()}
	b.sessions[sessionID] = s
	return s
}

// Forget drops all backlog and state for sessionID, called once a session's
// conversation has reached a terminal state and its final events have been
// persisted by the store.
func (b *Bus) Forget(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.sessions[sessionID]; ok {
		s.mu.Lock()
		for sub := range s.subscribers {
			sub.Close()
		}
		s.mu.Unlock()
	}
	delete(b.sessions, sessionID)
}

// Close shuts down the underlying watermill pub/sub. Existing in-memory
// Subscriptions are unaffected; call this once at process shutdown.
func (b *Bus) Close() error {
	return b.wm.Close()
}

// LastSequence returns the highest sequence number published for sessionID,
// or 0 if the session has no events yet.
func (b *Bus) LastSequence(sessionID string) uint64 {
	b.mu.RLock()
	s, ok := b.sessions[sessionID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq
}
