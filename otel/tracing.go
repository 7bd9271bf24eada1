// Package otel provides OpenTelemetry integration for session events.
package otel

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/sessionflow/runtime"
)

// TracingHandler translates session events into OpenTelemetry spans: one
// root span per session and one child span per node attempt.
type TracingHandler struct {
	tracer trace.Tracer

	mu           sync.RWMutex
	sessionSpans map[string]trace.Span      // sessionID -> span
	sessionCtxs  map[string]context.Context // sessionID -> context (for child spans)
	nodeSpans    map[string]trace.Span      // sessionID:nodeID -> current attempt span
}

// NewTracingHandler creates a new TracingHandler that uses the given tracer
// to create spans from session events.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:       tracer,
		sessionSpans: make(map[string]trace.Span),
		sessionCtxs:  make(map[string]context.Context),
		nodeSpans:    make(map[string]trace.Span),
	}
}

// Handle processes an event and creates or ends spans accordingly.
// It has runtime.EventHandler shape.
func (h *TracingHandler) Handle(e runtime.Event) {
	switch e.Kind {
	case runtime.EventSessionStarted:
		h.handleSessionStarted(e)
	case runtime.EventNodeStarted:
		h.handleNodeStarted(e)
	case runtime.EventNodeFinished:
		h.endNodeSpan(e, codes.Ok, "")
	case runtime.EventNodeRetry, runtime.EventNodeFailed:
		h.endNodeSpan(e, codes.Error, payloadString(e, "error", "unknown error"))
	case runtime.EventNodeSkipped, runtime.EventPlanReady, runtime.EventSessionCancelled:
		h.addSessionEvent(e)
	case runtime.EventSessionFinished:
		h.handleSessionFinished(e)
	}
}

func (h *TracingHandler) handleSessionStarted(e runtime.Event) {
	ctx, span := h.tracer.Start(context.Background(), "session:"+e.WorkflowID,
		trace.WithAttributes(
			attribute.String("sessionflow.session_id", e.SessionID),
			attribute.String("sessionflow.workflow_id", e.WorkflowID),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.sessionSpans[e.SessionID] = span
	h.sessionCtxs[e.SessionID] = ctx
	h.mu.Unlock()
}

func (h *TracingHandler) handleNodeStarted(e runtime.Event) {
	h.mu.RLock()
	parentCtx, ok := h.sessionCtxs[e.SessionID]
	h.mu.RUnlock()
	if !ok {
		parentCtx = context.Background()
	}

	_, span := h.tracer.Start(parentCtx, "node:"+e.NodeID,
		trace.WithAttributes(
			attribute.String("sessionflow.session_id", e.SessionID),
			attribute.String("sessionflow.node_id", e.NodeID),
			attribute.String("sessionflow.node_type", string(e.NodeType)),
			attribute.Int("sessionflow.attempt", e.Attempt),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.nodeSpans[e.SessionID+":"+e.NodeID] = span
	h.mu.Unlock()
}

func (h *TracingHandler) endNodeSpan(e runtime.Event, code codes.Code, errMsg string) {
	key := e.SessionID + ":" + e.NodeID

	h.mu.Lock()
	span, ok := h.nodeSpans[key]
	if ok {
		delete(h.nodeSpans, key)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	span.SetAttributes(attribute.String("sessionflow.duration", e.Elapsed.String()))
	if errType := payloadString(e, "error_type", ""); errType != "" {
		span.SetAttributes(attribute.String("sessionflow.error_type", errType))
	}
	span.SetStatus(code, errMsg)
	if code == codes.Error {
		span.RecordError(spanError(errMsg), trace.WithTimestamp(e.Time))
	}
	span.End(trace.WithTimestamp(e.Time))
}

func (h *TracingHandler) addSessionEvent(e runtime.Event) {
	h.mu.RLock()
	span, ok := h.sessionSpans[e.SessionID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	attrs := []attribute.KeyValue{attribute.String("sessionflow.event_kind", string(e.Kind))}
	if e.NodeID != "" {
		attrs = append(attrs, attribute.String("sessionflow.node_id", e.NodeID))
	}
	if reason := payloadString(e, "reason", ""); reason != "" {
		attrs = append(attrs, attribute.String("sessionflow.reason", reason))
	}
	span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

func (h *TracingHandler) handleSessionFinished(e runtime.Event) {
	h.mu.Lock()
	span, ok := h.sessionSpans[e.SessionID]
	if ok {
		delete(h.sessionSpans, e.SessionID)
		delete(h.sessionCtxs, e.SessionID)
	}
	// Abandoned attempt spans (e.g. cancelled handlers) end with the session.
	prefix := e.SessionID + ":"
	var orphans []trace.Span
	for key, nodeSpan := range h.nodeSpans {
		if strings.HasPrefix(key, prefix) {
			orphans = append(orphans, nodeSpan)
			delete(h.nodeSpans, key)
		}
	}
	h.mu.Unlock()

	for _, orphan := range orphans {
		orphan.SetStatus(codes.Error, "session finished before node")
		orphan.End(trace.WithTimestamp(e.Time))
	}
	if !ok {
		return
	}

	status := payloadString(e, "status", "")
	span.SetAttributes(
		attribute.String("sessionflow.duration", e.Elapsed.String()),
		attribute.String("sessionflow.status", status),
	)
	if status == "failed" {
		span.SetStatus(codes.Error, payloadString(e, "error", "session failed"))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

// ActiveSpanContext returns the SpanContext of the running attempt span for
// a node. Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveSpanContext(sessionID, nodeID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.nodeSpans[sessionID+":"+nodeID]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// ActiveSessionSpanContext returns the SpanContext of a session's root span.
// Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveSessionSpanContext(sessionID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.sessionSpans[sessionID]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

func payloadString(e runtime.Event, key, fallback string) string {
	if v, ok := e.Payload[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }
