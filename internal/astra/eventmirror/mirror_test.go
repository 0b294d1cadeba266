package eventmirror

import (
	"context"
	"testing"
	"time"

	"github.com/astraforge/sandbox-core/internal/astra/eventbus"
	"github.com/astraforge/sandbox-core/internal/astra/model"
)

type fakeConvStore struct {
	conv *model.Conversation
	save []model.Conversation
}

func (f *fakeConvStore) GetConversationBySession(ctx context.Context, sessionID string) (*model.Conversation, error) {
	clone := *f.conv
	clone.Events = append([]model.Event(nil), f.conv.Events...)
	return &clone, nil
}

func (f *fakeConvStore) SaveConversation(ctx context.Context, conv *model.Conversation) error {
	f.conv = conv
	f.save = append(f.save, *conv)
	return nil
}

func TestMirror_AppendsEventsUntilTerminal(t *testing.T) {
	bus := eventbus.New(eventbus.DefaultConfig())
	store := &fakeConvStore{conv: &model.Conversation{SessionID: "sess-1"}}
	m := New(bus, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		m.Run(ctx, "sess-1")
		close(done)
	}()

	// Give the subscription goroutine time to attach before publishing.
	time.Sleep(20 * time.Millisecond)

	bus.Publish("sess-1", model.Event{Type: model.EventStatus, Stage: "observer"})
	bus.Publish("sess-1", model.Event{Type: model.EventCompleted})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("mirror did not stop after a terminal event")
	}

	if len(store.conv.Events) != 2 {
		t.Fatalf("len(Events) = %d, want 2", len(store.conv.Events))
	}
	if store.conv.Events[0].Type != model.EventStatus || store.conv.Events[1].Type != model.EventCompleted {
		t.Fatalf("Events = %+v, want [status, completed]", store.conv.Events)
	}
}

func TestMirror_StopsWhenContextCancelled(t *testing.T) {
	bus := eventbus.New(eventbus.DefaultConfig())
	store := &fakeConvStore{conv: &model.Conversation{SessionID: "sess-1"}}
	m := New(bus, store, nil)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		m.Run(ctx, "sess-1")
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("mirror did not stop after context cancellation")
	}
}
