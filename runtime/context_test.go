package runtime

import (
	"context"
	"testing"
)

func TestContextWithEmitter_RoundTrip(t *testing.T) {
	var got []EventKind
	ctx := ContextWithEmitter(context.Background(), func(e Event) { got = append(got, e.Kind) })

	EmitterFromContext(ctx)(NewEvent(EventDataWritten, "s1"))
	if len(got) != 1 || got[0] != EventDataWritten {
		t.Errorf("events = %v", got)
	}
}

func TestEmitterFromContext_NoEmitter(t *testing.T) {
	// A no-op that must not panic.
	EmitterFromContext(context.Background())(Event{})
}

func TestNodeFromContext(t *testing.T) {
	if _, ok := NodeFromContext(context.Background()); ok {
		t.Fatal("empty context should carry no node")
	}

	want := NodeInfo{SessionID: "s1", WorkflowID: "wf", NodeID: "fetch", NodeType: "http_call", Attempt: 2}
	got, ok := NodeFromContext(ContextWithNode(context.Background(), want))
	if !ok || got != want {
		t.Errorf("NodeFromContext = %+v, %v; want %+v", got, ok, want)
	}
}
