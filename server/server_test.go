package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/petal-labs/sessionflow/bus"
	"github.com/petal-labs/sessionflow/catalog"
	"github.com/petal-labs/sessionflow/core"
	"github.com/petal-labs/sessionflow/datastore"
	"github.com/petal-labs/sessionflow/registry"
	"github.com/petal-labs/sessionflow/session"
)

const chainJSON = `{
  "id": "chain",
  "name": "Chain",
  "nodes": [
    {"id": "a", "type": "emit", "config": {"value": "hi"}},
    {"id": "b", "type": "echo"}
  ],
  "edges": [{"from": "a", "to": "b", "data_key": "greeting"}]
}`

const chainYAML = `
id: chain_yaml
nodes:
  - id: a
    type: emit
    config:
      value: 42
  - id: b
    type: echo
edges:
  - from: a
    to: b
    data_key: answer
`

// loopCatalog serves a cyclic workflow the HTTP catalog would refuse to
// store, and delegates everything else.
type loopCatalog struct {
	catalog.Store
}

func (c loopCatalog) Workflow(ctx context.Context, id string) (core.Workflow, error) {
	if id != "loop" {
		return c.Store.Workflow(ctx, id)
	}
	return core.Workflow{
		ID: "loop",
		Nodes: []core.Node{
			{ID: "x", Type: "echo", Active: true},
			{ID: "y", Type: "echo", Active: true},
		},
		Edges: []core.Edge{
			{From: "x", To: "y", DataKey: "k1", Required: true},
			{From: "y", To: "x", DataKey: "k2", Required: true},
		},
	}, nil
}

type testEnv struct {
	srv     *Server
	handler http.Handler
	mgr     *session.Manager
	catalog *catalog.MemoryStore
	events  *bus.MemEventStore
	release chan struct{}
}

func newTestEnv(t *testing.T, mutate func(*ServerConfig)) *testEnv {
	t.Helper()
	env := &testEnv{
		catalog: catalog.NewMemoryStore(),
		events:  bus.NewMemEventStore(),
		release: make(chan struct{}),
	}

	reg := registry.New()
	reg.Register("emit", core.HandlerFunc(func(_ context.Context, cfg map[string]any, _ map[string]any) (core.Result, error) {
		return core.OK(cfg["value"]), nil
	}))
	reg.Register("echo", core.HandlerFunc(func(_ context.Context, _ map[string]any, input map[string]any) (core.Result, error) {
		return core.OK(input), nil
	}))
	reg.Register("block", core.HandlerFunc(func(ctx context.Context, _ map[string]any, _ map[string]any) (core.Result, error) {
		select {
		case <-env.release:
			return core.OK(true), nil
		case <-ctx.Done():
			return core.Result{}, ctx.Err()
		}
	}))

	eb := bus.NewMemBus(bus.MemBusConfig{})
	mgr, err := session.NewManager(session.Config{
		Catalog:      loopCatalog{env.catalog},
		Registry:     reg,
		Store:        datastore.NewMemStore(),
		EventHandler: bus.NewStoreSubscriber(env.events, nil).Handle,
		Bus:          eb,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() {
		select {
		case <-env.release:
		default:
			close(env.release)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
		_ = eb.Close()
	})

	cfg := ServerConfig{
		Manager:    mgr,
		Catalog:    env.catalog,
		Registry:   reg,
		Bus:        eb,
		EventStore: env.events,
		MaxBody:    1 << 20,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	env.mgr = mgr
	env.srv = NewServer(cfg)
	env.handler = env.srv.Handler()
	return env
}

func (env *testEnv) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		r.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		r.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, r)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status = %d, want %d; body = %s", w.Code, want, w.Body.String())
	}
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[apiError](t, w).Error.Code
}

func (env *testEnv) wait(t *testing.T, sessionID string) core.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := env.mgr.Wait(ctx, sessionID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return sess
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodGet, "/health", "")
	expectStatus(t, w, http.StatusOK)
	if body := decode[map[string]string](t, w); body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, func(c *ServerConfig) { c.CORSOrigin = "https://ui.example" })

	w := env.do(t, http.MethodGet, "/health", "")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://ui.example" {
		t.Errorf("origin = %q", got)
	}

	w = env.do(t, http.MethodOptions, "/api/sessions", "")
	expectStatus(t, w, http.StatusNoContent)
	if !strings.Contains(w.Header().Get("Access-Control-Allow-Methods"), "DELETE") {
		t.Errorf("methods = %q", w.Header().Get("Access-Control-Allow-Methods"))
	}
}

func TestBodyTooLarge(t *testing.T) {
	env := newTestEnv(t, func(c *ServerConfig) { c.MaxBody = 16 })
	w := env.do(t, http.MethodPost, "/api/workflows", chainJSON)
	expectStatus(t, w, http.StatusRequestEntityTooLarge)
	if code := errorCode(t, w); code != "BODY_TOO_LARGE" {
		t.Errorf("code = %s", code)
	}
}

func TestNodeTypes(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodGet, "/api/node-types", "")
	expectStatus(t, w, http.StatusOK)
	defs := decode[[]registry.NodeTypeDef](t, w)
	if len(defs) != 3 || defs[0].Type != "emit" {
		t.Errorf("node types = %+v", defs)
	}
}

func TestWorkflowCRUD(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/api/workflows", chainJSON)
	expectStatus(t, w, http.StatusCreated)
	rec := decode[catalog.WorkflowRecord](t, w)
	if rec.ID != "chain" || rec.Name != "Chain" || len(rec.Definition.Nodes) != 2 {
		t.Fatalf("record = %+v", rec)
	}

	w = env.do(t, http.MethodPost, "/api/workflows", chainJSON)
	expectStatus(t, w, http.StatusConflict)

	w = env.do(t, http.MethodGet, "/api/workflows", "")
	expectStatus(t, w, http.StatusOK)
	if list := decode[[]catalog.WorkflowRecord](t, w); len(list) != 1 {
		t.Fatalf("list = %+v", list)
	}

	w = env.do(t, http.MethodGet, "/api/workflows/chain", "")
	expectStatus(t, w, http.StatusOK)

	renamed := strings.Replace(chainJSON, `"name": "Chain"`, `"name": "Renamed"`, 1)
	w = env.do(t, http.MethodPut, "/api/workflows/chain", renamed)
	expectStatus(t, w, http.StatusOK)
	if got := decode[catalog.WorkflowRecord](t, w); got.Name != "Renamed" || got.CreatedAt.IsZero() {
		t.Errorf("updated = %+v", got)
	}

	w = env.do(t, http.MethodPut, "/api/workflows/other", chainJSON)
	expectStatus(t, w, http.StatusBadRequest)

	w = env.do(t, http.MethodDelete, "/api/workflows/chain", "")
	expectStatus(t, w, http.StatusNoContent)
	w = env.do(t, http.MethodGet, "/api/workflows/chain", "")
	expectStatus(t, w, http.StatusNotFound)
	w = env.do(t, http.MethodDelete, "/api/workflows/chain", "")
	expectStatus(t, w, http.StatusNotFound)
}

func TestCreateWorkflow_YAMLAndGeneratedID(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/api/workflows", chainYAML, "Content-Type", "application/yaml")
	expectStatus(t, w, http.StatusCreated)
	if rec := decode[catalog.WorkflowRecord](t, w); rec.ID != "chain_yaml" {
		t.Errorf("ID = %q", rec.ID)
	}

	noID := strings.Replace(chainJSON, `"id": "chain",`, "", 1)
	w = env.do(t, http.MethodPost, "/api/workflows", noID)
	expectStatus(t, w, http.StatusCreated)
	if rec := decode[catalog.WorkflowRecord](t, w); len(rec.ID) != 36 {
		t.Errorf("generated ID = %q, want uuid", rec.ID)
	}
}

func TestCreateWorkflow_Rejected(t *testing.T) {
	env := newTestEnv(t, nil)
	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"malformed", `{"id":`, http.StatusBadRequest, "PARSE_ERROR"},
		{"unknown field", `{"id":"x","nodez":[]}`, http.StatusBadRequest, "PARSE_ERROR"},
		{"unknown type", strings.Replace(chainJSON, `"type": "echo"`, `"type": "teleport"`, 1), http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"cycle", `{"id":"c","nodes":[{"id":"a","type":"echo"},{"id":"b","type":"echo"}],
			"edges":[{"from":"a","to":"b","data_key":"k"},{"from":"b","to":"a","data_key":"j"}]}`,
			http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/workflows", tt.body)
			expectStatus(t, w, tt.status)
			if code := errorCode(t, w); code != tt.code {
				t.Errorf("code = %s, want %s", code, tt.code)
			}
		})
	}
}

func TestValidateWorkflow(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/api/workflows/validate", chainJSON)
	expectStatus(t, w, http.StatusOK)
	if resp := decode[ValidateResponse](t, w); !resp.Valid {
		t.Errorf("chain should be valid: %+v", resp)
	}

	cyclic := `{"id":"c","nodes":[{"id":"a","type":"echo"},{"id":"b","type":"echo"}],
		"edges":[{"from":"a","to":"b","data_key":"k"},{"from":"b","to":"a","data_key":"j"}]}`
	w = env.do(t, http.MethodPost, "/api/workflows/validate", cyclic)
	expectStatus(t, w, http.StatusOK)
	resp := decode[ValidateResponse](t, w)
	if resp.Valid {
		t.Fatal("cyclic workflow reported valid")
	}
	found := false
	for _, d := range resp.Diagnostics {
		if d.Code == "WF-005" {
			found = true
		}
	}
	if !found {
		t.Errorf("diagnostics = %+v, want WF-005", resp.Diagnostics)
	}

	if list := env.do(t, http.MethodGet, "/api/workflows", ""); strings.TrimSpace(list.Body.String()) != "[]" {
		t.Errorf("validate must not store, list = %s", list.Body.String())
	}
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	expectStatus(t, env.do(t, http.MethodPost, "/api/workflows", chainJSON), http.StatusCreated)

	w := env.do(t, http.MethodPost, "/api/sessions", `{"workflow_id":"chain","created_by":"alice"}`)
	expectStatus(t, w, http.StatusCreated)
	sess := decode[core.Session](t, w)
	if sess.Status != core.SessionPending || sess.Name != "Chain" || sess.CreatedBy != "alice" {
		t.Fatalf("session = %+v", sess)
	}

	w = env.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/start", "")
	expectStatus(t, w, http.StatusAccepted)
	if final := env.wait(t, sess.ID); final.Status != core.SessionCompleted {
		t.Fatalf("final = %+v", final)
	}

	w = env.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/start", "")
	expectStatus(t, w, http.StatusConflict)

	w = env.do(t, http.MethodGet, "/api/sessions/"+sess.ID, "")
	expectStatus(t, w, http.StatusOK)
	if got := decode[core.Session](t, w); got.Status != core.SessionCompleted || got.CompletedAt == nil {
		t.Errorf("status = %+v", got)
	}

	w = env.do(t, http.MethodGet, "/api/sessions/"+sess.ID+"/data?key=greeting&key=absent", "")
	expectStatus(t, w, http.StatusOK)
	entries := decode[[]core.SessionDataEntry](t, w)
	if len(entries) != 1 || entries[0].Value != "hi" || entries[0].ProducerNodeID != "a" {
		t.Errorf("data = %+v", entries)
	}

	w = env.do(t, http.MethodGet, "/api/sessions/"+sess.ID+"/executions", "")
	expectStatus(t, w, http.StatusOK)
	execs := decode[[]core.NodeExecution](t, w)
	if len(execs) != 2 {
		t.Fatalf("executions = %+v", execs)
	}
	for _, e := range execs {
		if e.Status != core.ExecutionCompleted {
			t.Errorf("execution %s = %s", e.NodeID, e.Status)
		}
	}

	w = env.do(t, http.MethodGet, "/api/sessions", "")
	expectStatus(t, w, http.StatusOK)
	if list := decode[[]core.Session](t, w); len(list) != 1 {
		t.Errorf("sessions = %+v", list)
	}

	if seq, _ := env.events.LatestSeq(context.Background(), sess.ID); seq == 0 {
		t.Fatal("expected stored events before delete")
	}
	w = env.do(t, http.MethodDelete, "/api/sessions/"+sess.ID, "")
	expectStatus(t, w, http.StatusNoContent)
	w = env.do(t, http.MethodGet, "/api/sessions/"+sess.ID, "")
	expectStatus(t, w, http.StatusNotFound)
	if seq, _ := env.events.LatestSeq(context.Background(), sess.ID); seq != 0 {
		t.Errorf("events survived delete, latest seq %d", seq)
	}
	expectStatus(t, env.do(t, http.MethodGet, "/api/sessions/"+sess.ID+"/events", ""), http.StatusNotFound)
}

func TestCreateSession_StartFlag(t *testing.T) {
	env := newTestEnv(t, nil)
	expectStatus(t, env.do(t, http.MethodPost, "/api/workflows", chainJSON), http.StatusCreated)

	w := env.do(t, http.MethodPost, "/api/sessions", `{"workflow_id":"chain","name":"nightly","start":true}`)
	expectStatus(t, w, http.StatusCreated)
	sess := decode[core.Session](t, w)
	if sess.Status == core.SessionPending || sess.Name != "nightly" {
		t.Errorf("session = %+v", sess)
	}
	if final := env.wait(t, sess.ID); final.Status != core.SessionCompleted {
		t.Errorf("final = %+v", final)
	}
}

func TestCreateSession_Errors(t *testing.T) {
	env := newTestEnv(t, nil)
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"missing workflow_id", `{}`, http.StatusBadRequest},
		{"unknown field", `{"workflow":"chain"}`, http.StatusBadRequest},
		{"unknown workflow", `{"workflow_id":"nope"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectStatus(t, env.do(t, http.MethodPost, "/api/sessions", tt.body), tt.status)
		})
	}

	for _, path := range []string{
		"/api/sessions/missing",
		"/api/sessions/missing/data",
		"/api/sessions/missing/executions",
		"/api/sessions/missing/events",
	} {
		w := env.do(t, http.MethodGet, path, "")
		expectStatus(t, w, http.StatusNotFound)
	}
	expectStatus(t, env.do(t, http.MethodPost, "/api/sessions/missing/start", ""), http.StatusNotFound)
	expectStatus(t, env.do(t, http.MethodPost, "/api/sessions/missing/cancel", ""), http.StatusNotFound)
}

func TestStartSession_CycleFailsSession(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/api/sessions", `{"workflow_id":"loop"}`)
	expectStatus(t, w, http.StatusCreated)
	sess := decode[core.Session](t, w)

	w = env.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/start", "")
	expectStatus(t, w, http.StatusUnprocessableEntity)
	body := decode[apiError](t, w)
	if body.Error.Code != "CYCLE_ERROR" || len(body.Error.Details) != 2 {
		t.Errorf("error = %+v", body.Error)
	}

	got, _ := env.mgr.GetStatus(sess.ID)
	if got.Status != core.SessionFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	execs, _ := env.mgr.GetNodeExecutions(context.Background(), sess.ID)
	if len(execs) != 0 {
		t.Errorf("no node may run, got %d executions", len(execs))
	}
}

func TestCancelSession(t *testing.T) {
	env := newTestEnv(t, nil)
	blocking := `{"id":"slow","nodes":[{"id":"wait","type":"block"},{"id":"after","type":"echo"}],
		"edges":[{"from":"wait","to":"after","data_key":"done"}]}`
	expectStatus(t, env.do(t, http.MethodPost, "/api/workflows", blocking), http.StatusCreated)

	sess := decode[core.Session](t, env.do(t, http.MethodPost, "/api/sessions", `{"workflow_id":"slow","start":true}`))
	w := env.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/cancel", "")
	expectStatus(t, w, http.StatusAccepted)

	final := env.wait(t, sess.ID)
	if final.Status != core.SessionFailed || !strings.Contains(final.Error, "cancelled") {
		t.Errorf("final = %+v", final)
	}

	pending := decode[core.Session](t, env.do(t, http.MethodPost, "/api/sessions", `{"workflow_id":"slow"}`))
	w = env.do(t, http.MethodPost, "/api/sessions/"+pending.ID+"/cancel", "")
	expectStatus(t, w, http.StatusAccepted)
	if got := decode[core.Session](t, w); got.Status != core.SessionFailed {
		t.Errorf("pending cancel = %+v", got)
	}
}

func TestSessionEvents_Replay(t *testing.T) {
	env := newTestEnv(t, nil)
	expectStatus(t, env.do(t, http.MethodPost, "/api/workflows", chainJSON), http.StatusCreated)
	sess := decode[core.Session](t, env.do(t, http.MethodPost, "/api/sessions", `{"workflow_id":"chain","start":true}`))
	env.wait(t, sess.ID)

	w := env.do(t, http.MethodGet, "/api/sessions/"+sess.ID+"/events", "")
	expectStatus(t, w, http.StatusOK)
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %s", ct)
	}
	body := w.Body.String()
	if !strings.HasPrefix(body, "event: snapshot\n") {
		t.Errorf("stream should open with a snapshot:\n%s", body)
	}
	for _, kind := range []string{"session.created", "plan.ready", "node.finished", "session.finished"} {
		if !strings.Contains(body, "event: "+kind+"\n") {
			t.Errorf("stream missing %s:\n%s", kind, body)
		}
	}
	if !strings.HasSuffix(strings.TrimSpace(body), "}") || strings.Count(body, "event: session.finished") != 1 {
		t.Errorf("stream should end after session.finished:\n%s", body)
	}
}

func TestSessionEvents_NotConfigured(t *testing.T) {
	env := newTestEnv(t, func(c *ServerConfig) {
		c.Bus = nil
		c.EventStore = nil
	})
	w := env.do(t, http.MethodGet, "/api/sessions/any/events", "")
	expectStatus(t, w, http.StatusNotImplemented)
}
