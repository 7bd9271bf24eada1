// Package runtime defines the events the session engine emits while a
// session runs, and the plumbing that stamps and fans them out.
package runtime

import (
	"time"

	"github.com/petal-labs/sessionflow/core"
)

// EventKind identifies the type of event emitted by the engine.
type EventKind string

const (
	// EventSessionCreated is emitted when a session is created (status pending).
	EventSessionCreated EventKind = "session.created"

	// EventSessionStarted is emitted when a session moves to running.
	EventSessionStarted EventKind = "session.started"

	// EventPlanReady is emitted once the execution order is computed.
	// Payload: "order" ([]string), "warnings" (order-hint mismatches).
	EventPlanReady EventKind = "plan.ready"

	// EventNodeStarted is emitted when a node attempt begins execution.
	EventNodeStarted EventKind = "node.started"

	// EventNodeRetry is emitted before a failed attempt is retried.
	EventNodeRetry EventKind = "node.retry"

	// EventNodeFinished is emitted when a node completes successfully.
	EventNodeFinished EventKind = "node.finished"

	// EventNodeFailed is emitted when a node fails terminally.
	EventNodeFailed EventKind = "node.failed"

	// EventNodeSkipped is emitted when a node is skipped.
	EventNodeSkipped EventKind = "node.skipped"

	// EventDataWritten is emitted when a node output is written to the
	// session data store.
	EventDataWritten EventKind = "data.written"

	// EventSessionCancelled is emitted when cancellation is requested.
	EventSessionCancelled EventKind = "session.cancelled"

	// EventSessionFinished is emitted when a session reaches a terminal status.
	// Payload: "status", and "error" on failure.
	EventSessionFinished EventKind = "session.finished"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Terminal reports whether the kind closes a session's event stream.
func (k EventKind) Terminal() bool {
	return k == EventSessionFinished
}

// Event is a structured, streamable record of what happened during a session.
// Events should be kept small; node outputs live in the session data store.
type Event struct {
	// Kind identifies the event type.
	Kind EventKind `json:"kind"`

	// SessionID is the session that produced this event.
	SessionID string `json:"session_id"`

	// WorkflowID is the workflow the session runs.
	WorkflowID string `json:"workflow_id,omitempty"`

	// NodeID is the node that produced this event (empty for session-level events).
	NodeID string `json:"node_id,omitempty"`

	// NodeType is the type of node (empty for session-level events).
	NodeType core.NodeType `json:"node_type,omitempty"`

	// Time is when the event occurred.
	Time time.Time `json:"time"`

	// Attempt is the attempt number (1-indexed) for retry scenarios.
	Attempt int `json:"attempt"`

	// Elapsed is the duration since the session or node attempt started.
	Elapsed time.Duration `json:"elapsed"`

	// Payload contains event-specific data.
	Payload map[string]any `json:"payload,omitempty"`

	// Seq is a monotonic sequence number per session (1-indexed).
	Seq uint64 `json:"seq"`

	// TraceID is the OpenTelemetry trace ID (hex-encoded, empty when OTel inactive).
	TraceID string `json:"trace_id,omitempty"`

	// SpanID is the OpenTelemetry span ID (hex-encoded, empty when OTel inactive).
	SpanID string `json:"span_id,omitempty"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(kind EventKind, sessionID string) Event {
	return Event{
		Kind:      kind,
		SessionID: sessionID,
		Time:      time.Now(),
		Attempt:   1,
		Payload:   make(map[string]any),
	}
}

// WithWorkflow sets the workflow ID on the event.
func (e Event) WithWorkflow(workflowID string) Event {
	e.WorkflowID = workflowID
	return e
}

// WithNode sets the node information on the event.
func (e Event) WithNode(nodeID string, nodeType core.NodeType) Event {
	e.NodeID = nodeID
	e.NodeType = nodeType
	return e
}

// WithAttempt sets the attempt number on the event.
func (e Event) WithAttempt(attempt int) Event {
	e.Attempt = attempt
	return e
}

// WithElapsed sets the elapsed duration on the event.
func (e Event) WithElapsed(elapsed time.Duration) Event {
	e.Elapsed = elapsed
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// EventEmitter is a function type for emitting events.
type EventEmitter func(Event)

// EventEmitterDecorator wraps an emitter to add cross-cutting behavior.
// Typical uses include enriching emitted events (for example with trace metadata).
type EventEmitterDecorator func(EventEmitter) EventEmitter

// EventPublisher can publish events to external subscribers.
// This interface is satisfied by bus.EventBus, allowing the engine
// to distribute events without importing the bus package directly.
type EventPublisher interface {
	Publish(event Event)
}

// EventHandler is a function type for handling events.
// Implementations can log, store, or forward events as needed.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// ChannelEventHandler returns a handler that sends events to a channel.
// The channel should have sufficient buffer to avoid blocking.
// Events are dropped if the channel is full.
func ChannelEventHandler(ch chan<- Event) EventHandler {
	return func(e Event) {
		select {
		case ch <- e:
		default:
			// Drop event if channel is full
		}
	}
}
