// Package sse streams session events to HTTP clients as Server-Sent Events.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/petal-labs/sessionflow/bus"
	"github.com/petal-labs/sessionflow/core"
	"github.com/petal-labs/sessionflow/runtime"
)

// HeartbeatInterval is the interval between SSE heartbeat comments.
const HeartbeatInterval = 15 * time.Second

// SnapshotEvent names the message sent before any session event.
const SnapshotEvent = "snapshot"

// Sessions is the part of the session manager a stream reads its initial
// snapshot from.
type Sessions interface {
	GetStatus(sessionID string) (core.Session, error)
	GetNodeExecutions(ctx context.Context, sessionID string) ([]core.NodeExecution, error)
}

// Config wires a Handler. Every field is optional; a stream without Store
// has no replay and a stream without Bus ends after replay.
type Config struct {
	Store    bus.EventStore
	Bus      bus.EventBus
	Sessions Sessions
}

// Snapshot is the state of a session when a client connects: the session
// itself and the latest execution of every node that has started.
type Snapshot struct {
	Session core.Session         `json:"session"`
	Nodes   []core.NodeExecution `json:"nodes"`
}

type wireEvent struct {
	Kind       string         `json:"kind"`
	SessionID  string         `json:"session_id"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	NodeID     string         `json:"node_id,omitempty"`
	NodeType   string         `json:"node_type,omitempty"`
	Time       time.Time      `json:"time"`
	Attempt    int            `json:"attempt"`
	ElapsedMs  int64          `json:"elapsed_ms"`
	Payload    map[string]any `json:"payload"`
	Seq        uint64         `json:"seq"`
	TraceID    string         `json:"trace_id,omitempty"`
	SpanID     string         `json:"span_id,omitempty"`
}

// Handler serves the event stream of one session from the "id" path value.
//
// Query parameters:
//
//	after  last seen sequence number; the Last-Event-ID header is used when absent
//	node   restricts node events to the given node IDs (repeatable)
//
// The stream opens with a snapshot message when the session is still held by
// the manager, replays stored events, then follows the bus. Session-level
// events are never filtered. Messages look like
//
//	id: {seq}
//	event: {kind}
//	data: {json}
//
// and a ": ping" comment is sent every HeartbeatInterval. The stream ends
// after session.finished, when the client disconnects, or when the bus cuts
// the client off for falling behind; clients resume with Last-Event-ID.
type Handler struct {
	store    bus.EventStore
	bus      bus.EventBus
	sessions Sessions
}

// NewHandler creates a Handler.
func NewHandler(cfg Config) *Handler {
	return &Handler{store: cfg.Store, bus: cfg.Bus, sessions: cfg.Sessions}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	after, err := cursor(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	s := &stream{w: w, flusher: flusher, nodes: nodeFilter(r), lastSeq: after}

	// Subscribe first so events published during replay are not lost.
	var sub bus.Subscription
	if h.bus != nil {
		sub = h.bus.Subscribe(sessionID)
		defer sub.Close()
	}

	terminal, err := h.sendSnapshot(ctx, s, sessionID)
	if err != nil {
		return
	}
	if h.store != nil {
		events, err := h.store.List(ctx, sessionID, after, 0)
		if err != nil {
			return
		}
		for _, evt := range events {
			done, err := s.send(evt)
			if err != nil || done {
				return
			}
		}
	} else if terminal {
		// Nothing to replay and nothing more will be published.
		return
	}
	if sub == nil {
		return
	}
	s.follow(ctx, sub)
}

// sendSnapshot writes the snapshot message and reports whether the session
// had already finished.
func (h *Handler) sendSnapshot(ctx context.Context, s *stream, sessionID string) (bool, error) {
	if h.sessions == nil {
		return false, nil
	}
	sess, err := h.sessions.GetStatus(sessionID)
	if err != nil {
		// Evicted sessions are served from the event store alone.
		return false, nil
	}
	execs, err := h.sessions.GetNodeExecutions(ctx, sessionID)
	if err != nil {
		return false, nil
	}
	snap := Snapshot{Session: sess, Nodes: latestPerNode(execs, s.nodes)}
	data, err := json.Marshal(snap)
	if err != nil {
		return false, err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", SnapshotEvent, data); err != nil {
		return false, err
	}
	s.flusher.Flush()
	return sess.Status.Terminal(), nil
}

type stream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	nodes   map[string]bool
	lastSeq uint64
}

// send writes evt unless it was already sent or is filtered out, and reports
// whether it ended the stream.
func (s *stream) send(evt runtime.Event) (bool, error) {
	if evt.Seq <= s.lastSeq {
		return false, nil
	}
	s.lastSeq = evt.Seq
	if evt.NodeID != "" && s.nodes != nil && !s.nodes[evt.NodeID] {
		return false, nil
	}
	if err := writeEvent(s.w, evt); err != nil {
		return false, err
	}
	s.flusher.Flush()
	return evt.Kind.Terminal(), nil
}

func (s *stream) follow(ctx context.Context, sub bus.Subscription) {
	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			done, err := s.send(evt)
			if err != nil || done {
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
				return
			}
			s.flusher.Flush()
		}
	}
}

func cursor(r *http.Request) (uint64, error) {
	raw := r.URL.Query().Get("after")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return 0, nil
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid event cursor %q", raw)
	}
	return seq, nil
}

func nodeFilter(r *http.Request) map[string]bool {
	ids := r.URL.Query()["node"]
	if len(ids) == 0 {
		return nil
	}
	filter := make(map[string]bool, len(ids))
	for _, id := range ids {
		filter[id] = true
	}
	return filter
}

// latestPerNode keeps the last record of each node, in order of first
// appearance.
func latestPerNode(execs []core.NodeExecution, filter map[string]bool) []core.NodeExecution {
	index := make(map[string]int)
	out := make([]core.NodeExecution, 0, len(execs))
	for _, e := range execs {
		if filter != nil && !filter[e.NodeID] {
			continue
		}
		if i, ok := index[e.NodeID]; ok {
			out[i] = e
			continue
		}
		index[e.NodeID] = len(out)
		out = append(out, e)
	}
	return out
}

func writeEvent(w http.ResponseWriter, evt runtime.Event) error {
	data, err := json.Marshal(wireEvent{
		Kind:       string(evt.Kind),
		SessionID:  evt.SessionID,
		WorkflowID: evt.WorkflowID,
		NodeID:     evt.NodeID,
		NodeType:   string(evt.NodeType),
		Time:       evt.Time,
		Attempt:    evt.Attempt,
		ElapsedMs:  evt.Elapsed.Milliseconds(),
		Payload:    evt.Payload,
		Seq:        evt.Seq,
		TraceID:    evt.TraceID,
		SpanID:     evt.SpanID,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Kind, data)
	return err
}
