package bus

import (
	"context"
	"errors"

	"github.com/petal-labs/sessionflow/runtime"
)

// ErrSeqConflict is returned by Append for an event whose sequence number is
// not above every sequence number already stored for its session.
var ErrSeqConflict = errors.New("event sequence number already used")

// EventStore keeps session events for replay after a client reconnects or
// after the session has left the manager.
type EventStore interface {
	Append(ctx context.Context, event runtime.Event) error

	// List returns the session's events with Seq > afterSeq in Seq order,
	// at most limit of them when limit > 0.
	List(ctx context.Context, sessionID string, afterSeq uint64, limit int) ([]runtime.Event, error)

	// LatestSeq returns the highest stored Seq, 0 when there is none.
	LatestSeq(ctx context.Context, sessionID string) (uint64, error)

	// Delete drops the session's events.
	Delete(ctx context.Context, sessionID string) error
}
