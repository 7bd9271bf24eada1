package datastore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/petal-labs/sessionflow/core"
)

// MemStore is an in-memory Store guarded by a RWMutex.
// Values are stored by reference; callers must not mutate them after Set.
type MemStore struct {
	mu       sync.RWMutex
	sessions map[string]map[string]core.SessionDataEntry
	now      func() time.Time
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		sessions: make(map[string]map[string]core.SessionDataEntry),
		now:      time.Now,
	}
}

// Set implements Store.
func (s *MemStore) Set(_ context.Context, sessionID, key string, value any, producerNodeID string) error {
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, ok := s.sessions[sessionID]
	if !ok {
		entries = make(map[string]core.SessionDataEntry)
		s.sessions[sessionID] = entries
	}

	entry := core.SessionDataEntry{
		SessionID:      sessionID,
		Key:            key,
		Value:          value,
		ProducerNodeID: producerNodeID,
		DataType:       core.DataTypeOf(value),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if prev, exists := entries[key]; exists {
		entry.CreatedAt = prev.CreatedAt
	}
	entries[key] = entry
	return nil
}

// Get implements Store.
func (s *MemStore) Get(_ context.Context, sessionID, key string) (core.SessionDataEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.sessions[sessionID][key]
	if !ok {
		return core.SessionDataEntry{}, ErrNotFound
	}
	return entry, nil
}

// List implements Store.
func (s *MemStore) List(_ context.Context, sessionID string) ([]core.SessionDataEntry, error) {
	s.mu.RLock()
	entries := make([]core.SessionDataEntry, 0, len(s.sessions[sessionID]))
	for _, e := range s.sessions[sessionID] {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// Clear implements Store.
func (s *MemStore) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return nil
}

// Sessions returns the number of sessions holding data.
func (s *MemStore) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Compile-time interface check.
var _ Store = (*MemStore)(nil)
