package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/petal-labs/sessionflow/core"
	"github.com/petal-labs/sessionflow/executor"
	"github.com/petal-labs/sessionflow/graph"
	"github.com/petal-labs/sessionflow/runtime"
)

// coordinator owns the node state of one running session. Only the
// coordinator goroutine touches its fields; workers just execute nodes and
// report outcomes.
type coordinator struct {
	m     *Manager
	g     *graph.DependencyGraph
	scope executor.Scope

	status    map[string]core.ExecutionStatus
	remaining []string // undispatched node IDs in plan order
	inFlight  int
	failure   error // first terminal node failure
	cancelled bool
}

// run drives a session from running to a terminal status.
func (m *Manager) run(ctx context.Context, st *state, g *graph.DependencyGraph, plan *graph.Plan) {
	defer close(st.done)

	sessionID := st.snapshot().ID
	warnings := make([]string, 0, len(plan.OrderMismatches))
	for _, e := range plan.OrderMismatches {
		warnings = append(warnings, fmt.Sprintf("edge %s -> %s (%s) points against the order hint", e.From, e.To, e.DataKey))
	}
	st.emit(runtime.NewEvent(runtime.EventPlanReady, sessionID).
		WithWorkflow(g.WorkflowID()).
		WithPayload("order", append([]string(nil), plan.Order...)).
		WithPayload("warnings", warnings))

	c := &coordinator{
		m: m,
		g: g,
		scope: executor.Scope{
			SessionID:  sessionID,
			WorkflowID: g.WorkflowID(),
			Graph:      g,
			Emit:       st.emit,
		},
		status:    make(map[string]core.ExecutionStatus, g.Len()),
		remaining: append([]string(nil), plan.Order...),
	}

	workers := m.concurrency
	if workers > g.Len() {
		workers = g.Len()
	}
	workCh := make(chan core.Node)
	resultCh := make(chan executor.Outcome)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for node := range workCh {
				resultCh <- m.exec.Execute(ctx, c.scope, node)
			}
		}()
	}

	doneCh := ctx.Done()
	for {
		c.dispatch(ctx, workCh, workers)
		if c.inFlight == 0 {
			break
		}
		select {
		case out := <-resultCh:
			c.inFlight--
			c.complete(out)
		case <-doneCh:
			doneCh = nil
			c.cancelled = true
		}
	}
	close(workCh)
	wg.Wait()

	m.finish(ctx, st, c)
}

// dispatch marks every node that can no longer run as skipped and hands
// ready nodes to idle workers in plan order.
func (c *coordinator) dispatch(ctx context.Context, workCh chan<- core.Node, workers int) {
	if ctx.Err() != nil && len(c.remaining) > 0 {
		c.cancelled = true
	}
	for progressed := true; progressed; {
		progressed = false
		next := c.remaining[:0]
		for _, id := range c.remaining {
			if !c.ready(id) {
				next = append(next, id)
				continue
			}
			node, _ := c.g.Node(id)

			if reason := c.skipReason(node); reason != "" {
				out := c.m.exec.Skip(ctx, c.scope, node, reason)
				c.status[id] = out.Status
				progressed = true
				continue
			}
			if c.inFlight >= workers {
				next = append(next, id)
				continue
			}
			workCh <- node
			c.inFlight++
			c.status[id] = core.ExecutionRunning
		}
		c.remaining = next
	}
}

// ready reports whether every predecessor of the node is terminal.
func (c *coordinator) ready(id string) bool {
	for _, dep := range c.g.Dependencies(id) {
		if !c.status[dep].Terminal() {
			return false
		}
	}
	return true
}

func (c *coordinator) skipReason(node core.Node) string {
	switch {
	case c.cancelled:
		return "session cancelled"
	case c.failure != nil && c.m.policy == FailFast:
		return "session failed"
	case !node.Active:
		return "inactive"
	}
	for _, in := range c.g.RequiredInputs(node.ID) {
		if in.Required && c.status[in.From] != core.ExecutionCompleted {
			return fmt.Sprintf("required input %q from %s is unavailable (%s)", in.DataKey, in.From, c.status[in.From])
		}
	}
	return ""
}

func (c *coordinator) complete(out executor.Outcome) {
	c.status[out.NodeID] = out.Status
	if out.Status != core.ExecutionFailed {
		return
	}
	if errors.Is(out.Err, core.ErrCancelled) {
		c.cancelled = true
		return
	}
	if c.failure == nil {
		c.failure = out.Err
	}
}

// finish records the terminal session status.
func (m *Manager) finish(ctx context.Context, st *state, c *coordinator) {
	now := m.now()

	st.mu.Lock()
	switch {
	case c.cancelled:
		st.session.Status = core.SessionFailed
		st.session.Error = cancelReason(ctx).Error()
	case c.failure != nil:
		st.session.Status = core.SessionFailed
		st.session.Error = c.failure.Error()
	default:
		st.session.Status = core.SessionCompleted
	}
	st.session.CompletedAt = &now
	session := st.session
	st.cancel(nil)
	st.mu.Unlock()

	var elapsed time.Duration
	if session.StartedAt != nil {
		elapsed = now.Sub(*session.StartedAt)
	}
	event := runtime.NewEvent(runtime.EventSessionFinished, session.ID).
		WithWorkflow(session.WorkflowID).
		WithElapsed(elapsed).
		WithPayload("status", string(session.Status))
	if session.Error != "" {
		event = event.WithPayload("error", session.Error)
	}
	st.emit(event)

	m.logger.Info("session finished",
		"session_id", session.ID,
		"workflow_id", session.WorkflowID,
		"status", string(session.Status),
		"elapsed", elapsed)
}

func cancelReason(ctx context.Context) error {
	cause := context.Cause(ctx)
	switch {
	case cause == nil:
		return core.ErrCancelled
	case errors.Is(cause, core.ErrCancelled):
		return cause
	}
	return fmt.Errorf("%w: %v", core.ErrCancelled, cause)
}
