package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/petal-labs/sessionflow/runtime"
)

// DefaultAppendTimeout bounds one StoreSubscriber write.
const DefaultAppendTimeout = 5 * time.Second

// StoreSubscriber persists every emitted event. Handle has the
// runtime.EventHandler shape and runs on the emitting goroutine, so each
// write is bounded by a timeout.
type StoreSubscriber struct {
	store   EventStore
	timeout time.Duration
	logger  *slog.Logger
}

// NewStoreSubscriber creates a StoreSubscriber with DefaultAppendTimeout.
func NewStoreSubscriber(store EventStore, logger *slog.Logger) *StoreSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSubscriber{store: store, timeout: DefaultAppendTimeout, logger: logger}
}

// Handle appends event. A failed write is logged and the event is lost for
// replay; live subscribers still receive it from the bus.
func (s *StoreSubscriber) Handle(event runtime.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.store.Append(ctx, event); err != nil {
		s.logger.Warn("event not persisted",
			"session_id", event.SessionID,
			"workflow_id", event.WorkflowID,
			"kind", event.Kind,
			"seq", event.Seq,
			"error", err)
	}
}
