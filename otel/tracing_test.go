package otel_test

import (
	"testing"
	"time"

	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/petal-labs/sessionflow/core"
	sfotel "github.com/petal-labs/sessionflow/otel"
	"github.com/petal-labs/sessionflow/runtime"
)

// newTestTracer returns a tracer backed by an in-memory span exporter.
func newTestTracer() (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	return exporter, tp
}

func findSpan(spans tracetest.SpanStubs, name string) *tracetest.SpanStub {
	for i := range spans {
		if spans[i].Name == name {
			return &spans[i]
		}
	}
	return nil
}

func hasAttr(span *tracetest.SpanStub, key, value string) bool {
	for _, attr := range span.Attributes {
		if string(attr.Key) == key && attr.Value.Emit() == value {
			return true
		}
	}
	return false
}

func TestTracingHandler_SessionAndNodeSpans(t *testing.T) {
	exporter, tp := newTestTracer()
	h := sfotel.NewTracingHandler(tp.Tracer("test"))
	now := time.Now()

	h.Handle(runtime.NewEvent(runtime.EventSessionStarted, "s1").WithWorkflow("wf"))
	if !h.ActiveSessionSpanContext("s1").IsValid() {
		t.Fatal("expected valid session span context after session.started")
	}

	started := runtime.NewEvent(runtime.EventNodeStarted, "s1").WithNode("fetch", core.NodeTypeHTTPCall)
	h.Handle(started)
	if !h.ActiveSpanContext("s1", "fetch").IsValid() {
		t.Fatal("expected valid node span context after node.started")
	}

	finished := runtime.NewEvent(runtime.EventNodeFinished, "s1").
		WithNode("fetch", core.NodeTypeHTTPCall).
		WithElapsed(20 * time.Millisecond)
	finished.Time = now.Add(20 * time.Millisecond)
	h.Handle(finished)
	if h.ActiveSpanContext("s1", "fetch").IsValid() {
		t.Error("node span should be gone after node.finished")
	}

	h.Handle(runtime.NewEvent(runtime.EventSessionFinished, "s1").
		WithWorkflow("wf").
		WithPayload("status", "completed"))

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}

	root := findSpan(spans, "session:wf")
	node := findSpan(spans, "node:fetch")
	if root == nil || node == nil {
		t.Fatalf("spans = %v, want session:wf and node:fetch", spans)
	}
	if node.Parent.SpanID() != root.SpanContext.SpanID() {
		t.Error("node span should be a child of the session span")
	}
	if !hasAttr(node, "sessionflow.node_type", "http_call") {
		t.Error("expected sessionflow.node_type attribute on node span")
	}
	if !hasAttr(root, "sessionflow.status", "completed") {
		t.Error("expected sessionflow.status attribute on session span")
	}
	if root.Status.Code != otelcodes.Ok {
		t.Errorf("session span status = %v, want Ok", root.Status.Code)
	}
}

func TestTracingHandler_RetryEndsAttemptSpanWithError(t *testing.T) {
	exporter, tp := newTestTracer()
	h := sfotel.NewTracingHandler(tp.Tracer("test"))

	h.Handle(runtime.NewEvent(runtime.EventSessionStarted, "s1").WithWorkflow("wf"))
	for attempt := 1; attempt <= 2; attempt++ {
		h.Handle(runtime.NewEvent(runtime.EventNodeStarted, "s1").WithNode("flaky", "x").WithAttempt(attempt))
		if attempt == 1 {
			h.Handle(runtime.NewEvent(runtime.EventNodeRetry, "s1").
				WithNode("flaky", "x").
				WithPayload("error", "boom").
				WithPayload("error_type", core.ErrorTypeHandlerExecution))
		}
	}
	h.Handle(runtime.NewEvent(runtime.EventNodeFailed, "s1").WithNode("flaky", "x").WithPayload("error", "boom again"))
	h.Handle(runtime.NewEvent(runtime.EventSessionFinished, "s1").
		WithPayload("status", "failed").
		WithPayload("error", "node flaky failed"))

	var attempts, errored int
	for _, s := range exporter.GetSpans() {
		if s.Name != "node:flaky" {
			continue
		}
		attempts++
		if s.Status.Code == otelcodes.Error {
			errored++
		}
	}
	if attempts != 2 || errored != 2 {
		t.Errorf("attempt spans = %d (errored %d), want 2 (2)", attempts, errored)
	}

	root := findSpan(exporter.GetSpans(), "session:wf")
	if root == nil || root.Status.Code != otelcodes.Error || root.Status.Description != "node flaky failed" {
		t.Errorf("session span = %+v, want error status", root)
	}
}

func TestTracingHandler_SkipAddsSessionEvent(t *testing.T) {
	exporter, tp := newTestTracer()
	h := sfotel.NewTracingHandler(tp.Tracer("test"))

	h.Handle(runtime.NewEvent(runtime.EventSessionStarted, "s1").WithWorkflow("wf"))
	h.Handle(runtime.NewEvent(runtime.EventNodeSkipped, "s1").WithNode("b", "x").WithPayload("reason", "upstream failed"))
	h.Handle(runtime.NewEvent(runtime.EventSessionFinished, "s1").WithPayload("status", "failed"))

	root := findSpan(exporter.GetSpans(), "session:wf")
	if root == nil {
		t.Fatal("session span not exported")
	}
	if len(root.Events) != 1 || root.Events[0].Name != string(runtime.EventNodeSkipped) {
		t.Errorf("session span events = %v, want one node.skipped", root.Events)
	}
}

func TestTracingHandler_SessionFinishEndsOrphanNodeSpans(t *testing.T) {
	exporter, tp := newTestTracer()
	h := sfotel.NewTracingHandler(tp.Tracer("test"))

	h.Handle(runtime.NewEvent(runtime.EventSessionStarted, "s1").WithWorkflow("wf"))
	h.Handle(runtime.NewEvent(runtime.EventNodeStarted, "s1").WithNode("slow", "x"))
	h.Handle(runtime.NewEvent(runtime.EventSessionFinished, "s1").WithPayload("status", "failed"))

	if len(exporter.GetSpans()) != 2 {
		t.Fatalf("got %d spans, want 2 (session + orphaned node)", len(exporter.GetSpans()))
	}
	if h.ActiveSpanContext("s1", "slow").IsValid() {
		t.Error("orphaned node span should be cleared")
	}
}

func TestTracingHandler_NodeWithoutSessionSpan(t *testing.T) {
	exporter, tp := newTestTracer()
	h := sfotel.NewTracingHandler(tp.Tracer("test"))

	h.Handle(runtime.NewEvent(runtime.EventNodeStarted, "s1").WithNode("a", "x"))
	h.Handle(runtime.NewEvent(runtime.EventNodeFinished, "s1").WithNode("a", "x"))

	if len(exporter.GetSpans()) != 1 {
		t.Errorf("got %d spans, want 1", len(exporter.GetSpans()))
	}
}
