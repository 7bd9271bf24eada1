// Package recorder provides core.Recorder implementations.
//
// The engine calls Record at every status transition of an attempt, always
// with the same execution ID, so implementations upsert by ID.
package recorder

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/petal-labs/sessionflow/core"
)

// Reader lists recorded executions of a session in creation order.
type Reader interface {
	List(ctx context.Context, sessionID string) ([]core.NodeExecution, error)
}

// Memory keeps executions in process memory.
type Memory struct {
	mu    sync.RWMutex
	execs map[string]core.NodeExecution // execution ID -> latest state
	order map[string][]string           // session ID -> execution IDs by first record
}

// NewMemory creates an empty in-memory recorder.
func NewMemory() *Memory {
	return &Memory{
		execs: make(map[string]core.NodeExecution),
		order: make(map[string][]string),
	}
}

// Record upserts exec.
func (m *Memory) Record(_ context.Context, exec core.NodeExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.execs[exec.ID]; !exists {
		m.order[exec.SessionID] = append(m.order[exec.SessionID], exec.ID)
	}
	m.execs[exec.ID] = exec
	return nil
}

// List returns the session's executions in creation order.
func (m *Memory) List(_ context.Context, sessionID string) ([]core.NodeExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.order[sessionID]
	out := make([]core.NodeExecution, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.execs[id])
	}
	return out, nil
}

// Delete drops every execution of the session.
func (m *Memory) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order[sessionID] {
		delete(m.execs, id)
	}
	delete(m.order, sessionID)
	return nil
}

// Log writes each transition to a slog logger.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a recorder that logs to logger (slog.Default when nil).
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

// Record logs exec. Failed attempts are logged at warn level.
func (l *Log) Record(ctx context.Context, exec core.NodeExecution) error {
	level := slog.LevelDebug
	switch exec.Status {
	case core.ExecutionFailed:
		level = slog.LevelWarn
	case core.ExecutionCompleted, core.ExecutionSkipped:
		level = slog.LevelInfo
	}
	attrs := []any{
		"session_id", exec.SessionID,
		"node_id", exec.NodeID,
		"node_type", string(exec.NodeType),
		"execution_id", exec.ID,
		"status", string(exec.Status),
		"attempt", exec.RetryCount + 1,
	}
	if exec.Status.Terminal() {
		attrs = append(attrs, "execution_time_ms", exec.ExecutionTimeMs)
	}
	if exec.ErrorType != "" {
		attrs = append(attrs, "error_type", exec.ErrorType, "error", exec.ErrorMessage)
	}
	l.logger.Log(ctx, level, "node execution", attrs...)
	return nil
}

// Multi fans a record out to several recorders. Every recorder is called
// even when an earlier one fails; the errors are joined.
type Multi []core.Recorder

// Record calls each recorder in order.
func (m Multi) Record(ctx context.Context, exec core.NodeExecution) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Record(ctx, exec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ core.Recorder = (*Memory)(nil)
	_ core.Recorder = (*Log)(nil)
	_ core.Recorder = Multi(nil)
	_ Reader        = (*Memory)(nil)
)
