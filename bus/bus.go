// Package bus carries session events from the engine to live observers and
// to the stores that replay them.
package bus

import "github.com/petal-labs/sessionflow/runtime"

// EventBus fans a session's events out to that session's subscribers.
type EventBus interface {
	Publish(event runtime.Event)

	// Subscribe follows one session. The Subscription must be closed.
	Subscribe(sessionID string) Subscription

	Close() error
}

// Subscription receives the events of one session in sequence order. Its
// channel is closed when the subscriber falls behind; the subscriber then
// resumes from an EventStore after the last sequence number it saw.
type Subscription interface {
	Events() <-chan runtime.Event
	Close() error
}
