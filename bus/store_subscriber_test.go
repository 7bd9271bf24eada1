package bus

import (
	"context"
	"log/slog"
	"testing"

	"github.com/petal-labs/sessionflow/runtime"
)

func TestStoreSubscriber_PersistsEvents(t *testing.T) {
	store := newTestStore(t)
	sub := NewStoreSubscriber(store, slog.Default())

	for i := uint64(1); i <= 3; i++ {
		sub.Handle(seqEvent("session-1", i, runtime.EventNodeStarted))
	}

	events, err := store.List(context.Background(), "session-1", 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("got %d events, want 3", len(events))
	}
}

func TestStoreSubscriber_ContinuesOnError(t *testing.T) {
	store := newTestStore(t)
	sub := NewStoreSubscriber(store, nil)

	e := seqEvent("session-1", 1, runtime.EventSessionStarted)
	sub.Handle(e)
	sub.Handle(e) // duplicate seq is logged, not panicked on

	events, _ := store.List(context.Background(), "session-1", 0, 0)
	if len(events) != 1 {
		t.Errorf("got %d events, want 1", len(events))
	}
}
