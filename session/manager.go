// Package session owns the lifecycle of workflow sessions: creation,
// planning, scheduling nodes onto a worker pool, failure policy,
// cancellation and teardown of the session's data.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/sessionflow/core"
	"github.com/petal-labs/sessionflow/datastore"
	"github.com/petal-labs/sessionflow/executor"
	"github.com/petal-labs/sessionflow/graph"
	"github.com/petal-labs/sessionflow/recorder"
	"github.com/petal-labs/sessionflow/registry"
	"github.com/petal-labs/sessionflow/runtime"
)

// FailurePolicy decides what happens to the rest of a session after a node
// fails terminally.
type FailurePolicy string

const (
	// FailFast stops dispatching after the first failure. In-flight nodes
	// finish and every node not yet dispatched is skipped.
	FailFast FailurePolicy = "fail_fast"

	// BestEffort only skips nodes downstream of a failure through required
	// edges; independent branches run to completion.
	BestEffort FailurePolicy = "best_effort"
)

// ParseFailurePolicy converts a configuration string to a policy. The empty
// string selects FailFast.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(s) {
	case "", FailFast:
		return FailFast, nil
	case BestEffort:
		return BestEffort, nil
	default:
		return "", fmt.Errorf("unknown failure policy %q", s)
	}
}

// Catalog resolves workflow IDs to workflows.
type Catalog interface {
	Workflow(ctx context.Context, id string) (core.Workflow, error)
}

// Config configures a Manager.
type Config struct {
	Catalog  Catalog
	Registry *registry.Registry
	Store    datastore.Store

	// Recorder receives every node execution transition in addition to the
	// manager's own in-memory history.
	Recorder core.Recorder

	EventHandler runtime.EventHandler
	Bus          runtime.EventPublisher
	Decorator    runtime.EventEmitterDecorator
	Logger       *slog.Logger

	// Concurrency is the worker pool size per session. 1 (the default)
	// executes nodes sequentially in plan order.
	Concurrency int

	FailurePolicy  FailurePolicy
	DefaultTimeout time.Duration

	Now func() time.Time
}

// Manager creates and runs sessions. It is safe for concurrent use.
type Manager struct {
	catalog     Catalog
	store       datastore.Store
	history     *recorder.Memory
	exec        *executor.Executor
	emitterOpts runtime.EmitterOptions
	logger      *slog.Logger
	concurrency int
	policy      FailurePolicy
	now         func() time.Time

	mu       sync.RWMutex
	sessions map[string]*state
	order    []string
}

type state struct {
	mu       sync.Mutex
	session  core.Session
	workflow core.Workflow
	emit     runtime.EventEmitter
	cancel   context.CancelCauseFunc
	done     chan struct{}
}

func (s *state) snapshot() core.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// NewManager creates a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("session manager catalog is nil")
	}
	if cfg.Registry == nil {
		return nil, errors.New("session manager registry is nil")
	}
	if cfg.Store == nil {
		cfg.Store = datastore.NewMemStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = FailFast
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	history := recorder.NewMemory()
	var rec core.Recorder = history
	if cfg.Recorder != nil {
		rec = recorder.Multi{history, cfg.Recorder}
	}

	return &Manager{
		catalog: cfg.Catalog,
		store:   cfg.Store,
		history: history,
		exec: executor.New(executor.Config{
			Registry:       cfg.Registry,
			Store:          cfg.Store,
			Recorder:       rec,
			Logger:         cfg.Logger,
			DefaultTimeout: cfg.DefaultTimeout,
			Now:            cfg.Now,
		}),
		emitterOpts: runtime.EmitterOptions{
			Handler:   cfg.EventHandler,
			Bus:       cfg.Bus,
			Decorator: cfg.Decorator,
		},
		logger:      cfg.Logger,
		concurrency: cfg.Concurrency,
		policy:      cfg.FailurePolicy,
		now:         cfg.Now,
		sessions:    make(map[string]*state),
	}, nil
}

// CreateSession creates a pending session of a catalog workflow.
func (m *Manager) CreateSession(ctx context.Context, workflowID, name, createdBy string) (core.Session, error) {
	wf, err := m.catalog.Workflow(ctx, workflowID)
	if err != nil {
		return core.Session{}, err
	}
	if name == "" {
		name = wf.Name
	}

	st := &state{
		session: core.Session{
			ID:         uuid.NewString(),
			WorkflowID: wf.ID,
			Name:       name,
			Status:     core.SessionPending,
			CreatedBy:  createdBy,
			CreatedAt:  m.now(),
		},
		workflow: wf,
		emit:     runtime.NewSessionEmitter(m.emitterOpts),
		done:     make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[st.session.ID] = st
	m.order = append(m.order, st.session.ID)
	m.mu.Unlock()

	st.emit(runtime.NewEvent(runtime.EventSessionCreated, st.session.ID).
		WithWorkflow(wf.ID).
		WithPayload("name", name))
	m.logger.Debug("session created", "session_id", st.session.ID, "workflow_id", wf.ID)
	return st.session, nil
}

// Start moves a pending session to running and executes it in the
// background. The plan is computed before Start returns: a *core.CycleError
// (or any other structural error) fails the session and is returned without
// running any node. Starting a session that is not pending returns
// core.ErrSessionNotPending.
//
// The session outlives ctx; use Cancel to stop it.
func (m *Manager) Start(ctx context.Context, sessionID string) error {
	return m.start(context.WithoutCancel(ctx), sessionID)
}

// Run starts a session and waits for it to finish. Cancelling ctx cancels
// the session.
func (m *Manager) Run(ctx context.Context, sessionID string) (core.Session, error) {
	if err := m.start(ctx, sessionID); err != nil {
		if st, lookupErr := m.lookup(sessionID); lookupErr == nil && !errors.Is(err, core.ErrSessionNotPending) {
			return st.snapshot(), err
		}
		return core.Session{}, err
	}
	return m.Wait(ctx, sessionID)
}

func (m *Manager) start(ctx context.Context, sessionID string) error {
	st, err := m.lookup(sessionID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	if st.session.Status != core.SessionPending {
		st.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", core.ErrSessionNotPending, sessionID, st.session.Status)
	}
	now := m.now()
	st.session.Status = core.SessionRunning
	st.session.StartedAt = &now

	g, plan, planErr := buildPlan(st.workflow)
	if planErr != nil {
		st.session.Status = core.SessionFailed
		st.session.CompletedAt = &now
		st.session.Error = planErr.Error()
		st.mu.Unlock()

		st.emit(runtime.NewEvent(runtime.EventSessionFinished, sessionID).
			WithWorkflow(st.workflow.ID).
			WithPayload("status", string(core.SessionFailed)).
			WithPayload("error", planErr.Error()).
			WithPayload("error_type", core.ErrorType(planErr)))
		close(st.done)
		m.logger.Warn("session plan rejected", "session_id", sessionID, "error", planErr)
		return planErr
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	st.cancel = cancel
	st.mu.Unlock()

	st.emit(runtime.NewEvent(runtime.EventSessionStarted, sessionID).
		WithWorkflow(st.workflow.ID))

	go m.run(runCtx, st, g, plan)
	return nil
}

func buildPlan(wf core.Workflow) (*graph.DependencyGraph, *graph.Plan, error) {
	g, err := graph.Build(wf)
	if err != nil {
		return nil, nil, err
	}
	plan, err := g.Plan()
	if err != nil {
		return nil, nil, err
	}
	return g, plan, nil
}

// Wait blocks until the session is terminal or ctx is done.
func (m *Manager) Wait(ctx context.Context, sessionID string) (core.Session, error) {
	st, err := m.lookup(sessionID)
	if err != nil {
		return core.Session{}, err
	}
	select {
	case <-st.done:
		return st.snapshot(), nil
	case <-ctx.Done():
		return st.snapshot(), ctx.Err()
	}
}

// Cancel requests cancellation. A running session stops scheduling, its
// in-flight handlers see ctx cancellation and it ends failed. A pending
// session fails immediately. Cancelling a terminal session is a no-op.
func (m *Manager) Cancel(sessionID string) error {
	st, err := m.lookup(sessionID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	switch st.session.Status {
	case core.SessionPending:
		now := m.now()
		st.session.Status = core.SessionFailed
		st.session.CompletedAt = &now
		st.session.Error = core.ErrCancelled.Error()
		st.mu.Unlock()
		st.emit(runtime.NewEvent(runtime.EventSessionCancelled, sessionID).WithWorkflow(st.workflow.ID))
		st.emit(runtime.NewEvent(runtime.EventSessionFinished, sessionID).
			WithWorkflow(st.workflow.ID).
			WithPayload("status", string(core.SessionFailed)).
			WithPayload("error", core.ErrCancelled.Error()))
		close(st.done)
		return nil
	case core.SessionRunning:
		cancel := st.cancel
		st.mu.Unlock()
		st.emit(runtime.NewEvent(runtime.EventSessionCancelled, sessionID).WithWorkflow(st.workflow.ID))
		cancel(core.ErrCancelled)
		return nil
	default:
		st.mu.Unlock()
		return nil
	}
}

// DeleteSession cancels the session if it is running, waits for it to stop
// and removes its data, execution history and status.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	st, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	if err := m.Cancel(sessionID); err != nil {
		return err
	}
	select {
	case <-st.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := m.store.Clear(ctx, sessionID); err != nil {
		return fmt.Errorf("clear session data: %w", err)
	}
	_ = m.history.Delete(ctx, sessionID)

	m.mu.Lock()
	delete(m.sessions, sessionID)
	for i, id := range m.order {
		if id == sessionID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	return nil
}

// GetStatus returns a snapshot of the session.
func (m *Manager) GetStatus(sessionID string) (core.Session, error) {
	st, err := m.lookup(sessionID)
	if err != nil {
		return core.Session{}, err
	}
	return st.snapshot(), nil
}

// GetSessionData returns the session's data entries, limited to keys when
// any are given. Unknown keys are ignored.
func (m *Manager) GetSessionData(ctx context.Context, sessionID string, keys ...string) ([]core.SessionDataEntry, error) {
	if _, err := m.lookup(sessionID); err != nil {
		return nil, err
	}
	entries, err := m.store.List(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return entries, nil
	}
	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	filtered := entries[:0]
	for _, e := range entries {
		if want[e.Key] {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

// GetNodeExecutions returns every attempt of the session in creation order.
func (m *Manager) GetNodeExecutions(ctx context.Context, sessionID string) ([]core.NodeExecution, error) {
	if _, err := m.lookup(sessionID); err != nil {
		return nil, err
	}
	return m.history.List(ctx, sessionID)
}

// ListSessions returns all sessions in creation order.
func (m *Manager) ListSessions() []core.Session {
	m.mu.RLock()
	states := make([]*state, 0, len(m.order))
	for _, id := range m.order {
		states = append(states, m.sessions[id])
	}
	m.mu.RUnlock()

	out := make([]core.Session, 0, len(states))
	for _, st := range states {
		out = append(out, st.snapshot())
	}
	return out
}

// Shutdown cancels every running session and waits for them to stop.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	states := make([]*state, 0, len(m.sessions))
	for _, st := range m.sessions {
		states = append(states, st)
	}
	m.mu.RUnlock()

	for _, st := range states {
		st.mu.Lock()
		running := st.session.Status == core.SessionRunning
		cancel := st.cancel
		st.mu.Unlock()
		if running && cancel != nil {
			cancel(fmt.Errorf("%w: manager shutting down", core.ErrCancelled))
		}
	}
	for _, st := range states {
		st.mu.Lock()
		started := st.session.Status != core.SessionPending
		st.mu.Unlock()
		if !started {
			continue
		}
		select {
		case <-st.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Manager) lookup(sessionID string) (*state, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrSessionNotFound, sessionID)
	}
	return st, nil
}
