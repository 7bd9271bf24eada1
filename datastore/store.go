// Package datastore holds the per-session keyed values nodes exchange.
//
// Every operation is scoped to a session ID; entries written in one session
// are never visible from another. Writes are upserts with last-write-wins
// semantics and keep no history.
package datastore

import (
	"context"
	"errors"

	"github.com/petal-labs/sessionflow/core"
)

// ErrNotFound is returned by Get when the key has no entry in the session.
var ErrNotFound = errors.New("session data not found")

// Store is the session data store contract.
type Store interface {
	// Set upserts value under key. CreatedAt is kept across updates.
	Set(ctx context.Context, sessionID, key string, value any, producerNodeID string) error

	// Get returns the entry for key or ErrNotFound.
	Get(ctx context.Context, sessionID, key string) (core.SessionDataEntry, error)

	// List returns every entry of the session sorted by key.
	List(ctx context.Context, sessionID string) ([]core.SessionDataEntry, error)

	// Clear removes all entries of the session.
	Clear(ctx context.Context, sessionID string) error
}
