package otel

import (
	"github.com/petal-labs/sessionflow/runtime"
)

// EnrichEmitter wraps an EventEmitter so events carry the trace and span IDs
// of the active node attempt span, falling back to the session span. Events
// pass through unchanged when no span is active.
func EnrichEmitter(emit runtime.EventEmitter, tracing *TracingHandler) runtime.EventEmitter {
	return func(e runtime.Event) {
		if e.NodeID != "" {
			if sc := tracing.ActiveSpanContext(e.SessionID, e.NodeID); sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		if e.TraceID == "" && e.SessionID != "" {
			if sc := tracing.ActiveSessionSpanContext(e.SessionID); sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		emit(e)
	}
}

// Decorator adapts EnrichEmitter to runtime.EventEmitterDecorator.
func Decorator(tracing *TracingHandler) runtime.EventEmitterDecorator {
	return func(next runtime.EventEmitter) runtime.EventEmitter {
		return EnrichEmitter(next, tracing)
	}
}
