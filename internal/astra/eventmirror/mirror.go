// Package eventmirror folds the Event Bus stream back onto each session's
// persisted Conversation.Events: the Agent Graph Driver only ever emits
// into the bus, so something has to catch up clients that read history
// over the REST surface instead of the SSE stream. Grounded on the
// teacher's watermill-backed event bus (internal/event/bus.go), which
// keeps a gochannel pub/sub running alongside its direct-call subscriber
// list for exactly this kind of secondary consumer.
package eventmirror

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/astraforge/sandbox-core/internal/astra/eventbus"
	"github.com/astraforge/sandbox-core/internal/astra/model"
	"github.com/astraforge/sandbox-core/internal/observability"
)

// ConversationStore is the slice of store.Store the mirror needs.
type ConversationStore interface {
	GetConversationBySession(ctx context.Context, sessionID string) (*model.Conversation, error)
	SaveConversation(ctx context.Context, conv *model.Conversation) error
}

// Mirror subscribes to one session's watermill topic and appends every
// event it sees onto that session's persisted Conversation.Events, until
// the conversation reaches a terminal event or ctx is cancelled.
type Mirror struct {
	bus   *eventbus.Bus
	store ConversationStore
	log   *observability.Logger
}

// New constructs a Mirror bound to bus and store.
func New(bus *eventbus.Bus, store ConversationStore, log *observability.Logger) *Mirror {
	return &Mirror{bus: bus, store: store, log: log}
}

// Run blocks, mirroring sessionID's events until the conversation reaches a
// terminal event (completed/error) or ctx is cancelled. Callers dispatch
// this onto its own goroutine alongside the graph run it shadows.
func (m *Mirror) Run(ctx context.Context, sessionID string) {
	messages, err := m.bus.Watermill().Subscribe(ctx, eventbus.Topic(sessionID))
	if err != nil {
		if m.log != nil {
			m.log.Warn(ctx, "eventmirror: subscribe failed", "session_id", sessionID, "error", err)
		}
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			terminal := m.append(ctx, sessionID, msg)
			msg.Ack()
			if terminal {
				return
			}
		}
	}
}

// append decodes one watermill message into a model.Event and appends it to
// sessionID's persisted conversation, reporting whether it was a terminal
// event the mirror should stop after.
func (m *Mirror) append(ctx context.Context, sessionID string, msg *message.Message) bool {
	var e model.Event
	if err := json.Unmarshal(msg.Payload, &e); err != nil {
		// StreamMalformed: log and skip, never kill the mirror over one
		// undecodable payload.
		if m.log != nil {
			m.log.Warn(ctx, "eventmirror: malformed event payload", "session_id", sessionID, "error", err)
		}
		return false
	}

	conv, err := m.store.GetConversationBySession(ctx, sessionID)
	if err != nil {
		if m.log != nil {
			m.log.Warn(ctx, "eventmirror: load conversation failed", "session_id", sessionID, "error", err)
		}
		return false
	}
	conv.Events = append(conv.Events, e)
	if err := m.store.SaveConversation(ctx, conv); err != nil && m.log != nil {
		m.log.Warn(ctx, "eventmirror: save conversation failed", "session_id", sessionID, "error", err)
	}

	return e.Type == model.EventCompleted || e.Type == model.EventError
}
