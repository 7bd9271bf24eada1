package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/petal-labs/sessionflow/runtime"
)

// MemEventStore keeps events in memory, one Seq-ordered slice per session.
type MemEventStore struct {
	mu       sync.RWMutex
	sessions map[string][]runtime.Event
}

// NewMemEventStore creates an empty MemEventStore.
func NewMemEventStore() *MemEventStore {
	return &MemEventStore{sessions: make(map[string][]runtime.Event)}
}

// Append stores event. Sequence numbers must grow per session; anything else
// fails with ErrSeqConflict.
func (s *MemEventStore) Append(_ context.Context, event runtime.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.sessions[event.SessionID]
	if n := len(events); n > 0 && event.Seq <= events[n-1].Seq {
		return fmt.Errorf("session %s seq %d: %w", event.SessionID, event.Seq, ErrSeqConflict)
	}
	s.sessions[event.SessionID] = append(events, event)
	return nil
}

func (s *MemEventStore) List(_ context.Context, sessionID string, afterSeq uint64, limit int) ([]runtime.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.sessions[sessionID]
	start := sort.Search(len(events), func(i int) bool { return events[i].Seq > afterSeq })
	end := len(events)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	if start >= end {
		return nil, nil
	}
	return append([]runtime.Event(nil), events[start:end]...), nil
}

func (s *MemEventStore) LatestSeq(_ context.Context, sessionID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.sessions[sessionID]
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].Seq, nil
}

func (s *MemEventStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return nil
}

var _ EventStore = (*MemEventStore)(nil)
