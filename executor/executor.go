// Package executor runs a single node of a session: it gathers the node's
// inputs from the session data store, dispatches to the registered handler
// under a timeout and retry policy, writes outputs back and records every
// attempt.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/petal-labs/sessionflow/core"
	"github.com/petal-labs/sessionflow/datastore"
	"github.com/petal-labs/sessionflow/graph"
	"github.com/petal-labs/sessionflow/registry"
	"github.com/petal-labs/sessionflow/runtime"
)

// Backoff defaults used when a retry policy leaves a field unset.
const (
	DefaultInitialBackoff = 100 * time.Millisecond
	DefaultMaxBackoff     = 10 * time.Second
	DefaultMultiplier     = 2.0
)

// Config configures an Executor.
type Config struct {
	Registry *registry.Registry
	Store    datastore.Store
	Recorder core.Recorder
	Logger   *slog.Logger

	// DefaultTimeout bounds a handler invocation when neither the node nor
	// its type sets one. Zero means no limit.
	DefaultTimeout time.Duration

	// Now and NewID are hooks for tests.
	Now   func() time.Time
	NewID func() string
}

// Executor executes nodes. It is stateless between calls and safe for
// concurrent use by multiple workers.
type Executor struct {
	registry       *registry.Registry
	store          datastore.Store
	recorder       core.Recorder
	logger         *slog.Logger
	defaultTimeout time.Duration
	now            func() time.Time
	newID          func() string
}

// New creates an Executor.
func New(cfg Config) *Executor {
	e := &Executor{
		registry:       cfg.Registry,
		store:          cfg.Store,
		recorder:       cfg.Recorder,
		logger:         cfg.Logger,
		defaultTimeout: cfg.DefaultTimeout,
		now:            cfg.Now,
		newID:          cfg.NewID,
	}
	if e.registry == nil {
		e.registry = registry.New()
	}
	if e.store == nil {
		e.store = datastore.NewMemStore()
	}
	if e.recorder == nil {
		e.recorder = core.NopRecorder{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	return e
}

// Scope is the per-session context a node runs in.
type Scope struct {
	SessionID  string
	WorkflowID string
	Graph      *graph.DependencyGraph
	Emit       runtime.EventEmitter
}

func (s Scope) emit(e runtime.Event) {
	if s.Emit != nil {
		s.Emit(e.WithWorkflow(s.WorkflowID))
	}
}

// Outcome is the terminal result of executing one node.
type Outcome struct {
	NodeID   string
	Status   core.ExecutionStatus // completed, failed or skipped
	Err      error
	Attempts int
	Output   any
}

// Execute runs node to a terminal state. It never returns a Go error; the
// failure, if any, is carried in Outcome.Err and in the recorded executions.
func (e *Executor) Execute(ctx context.Context, scope Scope, node core.Node) Outcome {
	if !node.Active {
		return e.Skip(ctx, scope, node, "inactive")
	}

	input, err := e.resolveInputs(ctx, scope, node)
	if err != nil {
		return e.failBeforeRun(ctx, scope, node, input, err)
	}

	handler, opts, err := e.registry.Resolve(node.Type)
	if err != nil {
		return e.failBeforeRun(ctx, scope, node, input, err)
	}

	timeout := e.timeoutFor(node, opts)
	policy := opts.Retry
	if node.Retry != nil {
		policy = *node.Retry
	}

	var (
		attempt int
		last    attemptResult
	)
	operation := func() error {
		attempt++
		last = e.runAttempt(ctx, scope, node, handler, input, timeout, attempt)
		if last.err == nil {
			return nil
		}
		if !retryable(ctx, last.err) {
			return backoff.Permanent(last.err)
		}
		return last.err
	}
	notify := func(err error, wait time.Duration) {
		e.logger.Warn("retrying node",
			"session_id", scope.SessionID,
			"node_id", node.ID,
			"attempt", attempt,
			"wait", wait,
			"error", err)
		scope.emit(runtime.NewEvent(runtime.EventNodeRetry, scope.SessionID).
			WithNode(node.ID, node.Type).
			WithAttempt(attempt).
			WithPayload("error", err.Error()).
			WithPayload("error_type", core.ErrorType(err)).
			WithPayload("wait_ms", wait.Milliseconds()))
	}

	retryErr := backoff.RetryNotify(operation, newBackOff(ctx, policy), notify)
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(retryErr, ctxErr) {
		// Cancelled while waiting to retry; the last attempt's error is stale.
		last.err = cancelledError(ctx)
	}

	if last.err != nil {
		scope.emit(runtime.NewEvent(runtime.EventNodeFailed, scope.SessionID).
			WithNode(node.ID, node.Type).
			WithAttempt(attempt).
			WithElapsed(last.elapsed).
			WithPayload("error", last.err.Error()).
			WithPayload("error_type", core.ErrorType(last.err)))
		return Outcome{NodeID: node.ID, Status: core.ExecutionFailed, Err: last.err, Attempts: attempt}
	}

	scope.emit(runtime.NewEvent(runtime.EventNodeFinished, scope.SessionID).
		WithNode(node.ID, node.Type).
		WithAttempt(attempt).
		WithElapsed(last.elapsed))
	return Outcome{NodeID: node.ID, Status: core.ExecutionCompleted, Attempts: attempt, Output: last.output}
}

// Skip records node as skipped without running it.
func (e *Executor) Skip(ctx context.Context, scope Scope, node core.Node, reason string) Outcome {
	now := e.now()
	e.record(ctx, scope, core.NodeExecution{
		ID:           e.newID(),
		SessionID:    scope.SessionID,
		NodeID:       node.ID,
		NodeType:     node.Type,
		Status:       core.ExecutionSkipped,
		CompletedAt:  &now,
		ErrorMessage: reason,
	})
	scope.emit(runtime.NewEvent(runtime.EventNodeSkipped, scope.SessionID).
		WithNode(node.ID, node.Type).
		WithPayload("reason", reason))
	return Outcome{NodeID: node.ID, Status: core.ExecutionSkipped}
}

type attemptResult struct {
	output  any
	err     error
	elapsed time.Duration
}

func (e *Executor) runAttempt(
	ctx context.Context,
	scope Scope,
	node core.Node,
	handler core.Handler,
	input map[string]any,
	timeout time.Duration,
	attempt int,
) attemptResult {
	exec := core.NodeExecution{
		ID:         e.newID(),
		SessionID:  scope.SessionID,
		NodeID:     node.ID,
		NodeType:   node.Type,
		Status:     core.ExecutionPending,
		Input:      input,
		RetryCount: attempt - 1,
	}
	e.record(ctx, scope, exec)

	start := e.now()
	exec.Status = core.ExecutionRunning
	exec.StartedAt = &start
	e.record(ctx, scope, exec)

	scope.emit(runtime.NewEvent(runtime.EventNodeStarted, scope.SessionID).
		WithNode(node.ID, node.Type).
		WithAttempt(attempt))

	nodeCtx := runtime.ContextWithNode(ctx, runtime.NodeInfo{
		SessionID:  scope.SessionID,
		WorkflowID: scope.WorkflowID,
		NodeID:     node.ID,
		NodeType:   node.Type,
		Attempt:    attempt,
	})
	if scope.Emit != nil {
		nodeCtx = runtime.ContextWithEmitter(nodeCtx, scope.Emit)
	}
	output, err := e.invoke(nodeCtx, node, handler, input, timeout)
	if err == nil {
		err = e.writeOutputs(ctx, scope, node, output)
	}

	end := e.now()
	elapsed := end.Sub(start)
	exec.CompletedAt = &end
	exec.ExecutionTimeMs = elapsed.Milliseconds()
	if err != nil {
		exec.Status = core.ExecutionFailed
		exec.ErrorType = core.ErrorType(err)
		exec.ErrorMessage = err.Error()
	} else {
		exec.Status = core.ExecutionCompleted
		exec.Output = output
	}
	e.record(ctx, scope, exec)

	return attemptResult{output: output, err: err, elapsed: elapsed}
}

// invoke calls the handler under timeout. A handler that does not return
// once its context is done is abandoned.
func (e *Executor) invoke(
	ctx context.Context,
	node core.Node,
	handler core.Handler,
	input map[string]any,
	timeout time.Duration,
) (any, error) {
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type reply struct {
		result core.Result
		err    error
	}
	replyCh := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				replyCh <- reply{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		res, err := handler.Execute(callCtx, node.Config, input)
		replyCh <- reply{result: res, err: err}
	}()

	select {
	case r := <-replyCh:
		if r.err != nil || !r.result.Success {
			if ctxErr := contextError(ctx, callCtx, node, timeout); ctxErr != nil {
				return nil, ctxErr
			}
		}
		if r.err != nil {
			return nil, &core.HandlerExecutionError{NodeID: node.ID, Message: r.err.Error(), Cause: r.err}
		}
		if !r.result.Success {
			herr := r.result.Error
			if herr == nil {
				herr = &core.HandlerError{Message: "handler reported failure"}
			}
			return nil, &core.HandlerExecutionError{
				NodeID:    node.ID,
				Type:      herr.Type,
				Message:   herr.Message,
				Permanent: herr.Permanent,
				Cause:     herr,
			}
		}
		return r.result.Data, nil
	case <-callCtx.Done():
		return nil, contextError(ctx, callCtx, node, timeout)
	}
}

// contextError classifies a finished call context: parent cancellation wins
// over the per-call deadline.
func contextError(parent, call context.Context, node core.Node, timeout time.Duration) error {
	if parent.Err() != nil {
		return cancelledError(parent)
	}
	if errors.Is(call.Err(), context.DeadlineExceeded) {
		return &core.TimeoutError{NodeID: node.ID, Timeout: timeout}
	}
	return nil
}

func cancelledError(ctx context.Context) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, core.ErrCancelled) {
		return cause
	}
	return fmt.Errorf("%w: %v", core.ErrCancelled, cause)
}

func (e *Executor) resolveInputs(ctx context.Context, scope Scope, node core.Node) (map[string]any, error) {
	input := make(map[string]any)
	for _, in := range scope.Graph.RequiredInputs(node.ID) {
		entry, err := e.store.Get(ctx, scope.SessionID, in.DataKey)
		switch {
		case err == nil:
			input[in.DataKey] = entry.Value
		case errors.Is(err, datastore.ErrNotFound):
			if in.Required {
				return input, &core.DependencyMissingError{NodeID: node.ID, DataKey: in.DataKey, From: in.From}
			}
		default:
			return input, fmt.Errorf("read input %q: %w", in.DataKey, err)
		}
	}
	return input, nil
}

// outputError marks a failed data store write; it is never retried.
type outputError struct {
	key string
	err error
}

func (e *outputError) Error() string { return fmt.Sprintf("write output %q: %v", e.key, e.err) }
func (e *outputError) Unwrap() error { return e.err }

// writeOutputs stores the handler result under each declared output key.
// Map results store only the entries they contain; a declared key the map
// lacks stays unset, so required consumers fail with DependencyMissingError.
// Any other result is stored whole under every key.
func (e *Executor) writeOutputs(ctx context.Context, scope Scope, node core.Node, output any) error {
	keys := scope.Graph.OutputKeys(node.ID)
	if len(keys) == 0 {
		return nil
	}
	m, isMap := output.(map[string]any)
	for _, key := range keys {
		value := output
		if isMap {
			v, ok := m[key]
			if !ok {
				e.logger.Debug("output key not produced",
					"session_id", scope.SessionID,
					"node_id", node.ID,
					"key", key)
				continue
			}
			value = v
		}
		if err := e.store.Set(ctx, scope.SessionID, key, value, node.ID); err != nil {
			return &outputError{key: key, err: err}
		}
		scope.emit(runtime.NewEvent(runtime.EventDataWritten, scope.SessionID).
			WithNode(node.ID, node.Type).
			WithPayload("key", key).
			WithPayload("data_type", core.DataTypeOf(value)))
	}
	return nil
}

func (e *Executor) failBeforeRun(ctx context.Context, scope Scope, node core.Node, input map[string]any, err error) Outcome {
	now := e.now()
	exec := core.NodeExecution{
		ID:        e.newID(),
		SessionID: scope.SessionID,
		NodeID:    node.ID,
		NodeType:  node.Type,
		Status:    core.ExecutionPending,
		Input:     input,
	}
	e.record(ctx, scope, exec)

	exec.Status = core.ExecutionFailed
	exec.CompletedAt = &now
	exec.ErrorType = core.ErrorType(err)
	exec.ErrorMessage = err.Error()
	e.record(ctx, scope, exec)

	scope.emit(runtime.NewEvent(runtime.EventNodeFailed, scope.SessionID).
		WithNode(node.ID, node.Type).
		WithPayload("error", err.Error()).
		WithPayload("error_type", exec.ErrorType))
	return Outcome{NodeID: node.ID, Status: core.ExecutionFailed, Err: err}
}

// record hands exec to the recorder. Failures are logged and otherwise
// ignored; they never change the outcome of the node.
func (e *Executor) record(ctx context.Context, scope Scope, exec core.NodeExecution) {
	if err := e.recorder.Record(context.WithoutCancel(ctx), exec); err != nil {
		e.logger.Error("record node execution",
			"session_id", scope.SessionID,
			"node_id", exec.NodeID,
			"attempt", exec.RetryCount+1,
			"status", string(exec.Status),
			"error", err)
	}
}

func (e *Executor) timeoutFor(node core.Node, opts registry.Options) time.Duration {
	switch {
	case node.Timeout > 0:
		return node.Timeout
	case opts.Timeout > 0:
		return opts.Timeout
	default:
		return e.defaultTimeout
	}
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, core.ErrCancelled) {
		return false
	}
	var outErr *outputError
	if errors.As(err, &outErr) {
		return false
	}
	var handlerErr *core.HandlerExecutionError
	if errors.As(err, &handlerErr) && handlerErr.Permanent {
		return false
	}
	return true
}

// newBackOff builds the exponential schedule for policy. Jitter is disabled
// so retry timing is reproducible.
func newBackOff(ctx context.Context, policy core.RetryPolicy) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = policy.InitialBackoff
	if exp.InitialInterval <= 0 {
		exp.InitialInterval = DefaultInitialBackoff
	}
	exp.MaxInterval = policy.MaxBackoff
	if exp.MaxInterval <= 0 {
		exp.MaxInterval = DefaultMaxBackoff
	}
	exp.Multiplier = policy.Multiplier
	if exp.Multiplier < 1 {
		exp.Multiplier = DefaultMultiplier
	}
	exp.RandomizationFactor = 0
	// Attempts are bounded by MaxRetries, not by wall time.
	exp.MaxElapsedTime = 0
	exp.Reset()

	retries := policy.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}
