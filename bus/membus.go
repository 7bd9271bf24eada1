package bus

import (
	"sync"

	"github.com/petal-labs/sessionflow/runtime"
)

// DefaultSubscriberBuffer is the per-subscriber channel size.
const DefaultSubscriberBuffer = 256

// MemBusConfig configures a MemBus.
type MemBusConfig struct {
	// SubscriberBufferSize bounds how far a subscriber may fall behind
	// before it is cut off. Default DefaultSubscriberBuffer.
	SubscriberBufferSize int
}

// MemBus is an in-process EventBus. Publish never blocks: a subscriber whose
// buffer is full has its channel closed and receives nothing more.
type MemBus struct {
	mu      sync.RWMutex
	subs    map[string][]*memSub
	bufSize int
	closed  bool
}

// NewMemBus creates a MemBus.
func NewMemBus(cfg MemBusConfig) *MemBus {
	size := cfg.SubscriberBufferSize
	if size <= 0 {
		size = DefaultSubscriberBuffer
	}
	return &MemBus{subs: make(map[string][]*memSub), bufSize: size}
}

// Publish delivers event to the subscribers of its session. It is a no-op
// after Close.
func (b *MemBus) Publish(event runtime.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs[event.SessionID] {
		sub.send(event)
	}
}

// Subscribe follows sessionID. On a closed bus the returned subscription is
// already closed.
func (b *MemBus) Subscribe(sessionID string) Subscription {
	sub := &memSub{bus: b, sessionID: sessionID, ch: make(chan runtime.Event, b.bufSize)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.shut()
		return sub
	}
	b.subs[sessionID] = append(b.subs[sessionID], sub)
	return sub
}

// Subscribers returns the number of open subscriptions for a session.
func (b *MemBus) Subscribers(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[sessionID])
}

// Close shuts every subscription.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.shut()
		}
	}
	b.subs = nil
	return nil
}

func (b *MemBus) detach(target *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[target.sessionID]
	kept := subs[:0]
	for _, s := range subs {
		if s != target {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(b.subs, target.sessionID)
		return
	}
	b.subs[target.sessionID] = kept
}

type memSub struct {
	bus       *MemBus
	sessionID string
	ch        chan runtime.Event

	mu     sync.Mutex
	closed bool
}

func (s *memSub) Events() <-chan runtime.Event { return s.ch }

// Close detaches the subscription. It is safe to call more than once.
func (s *memSub) Close() error {
	s.bus.detach(s)
	s.shut()
	return nil
}

func (s *memSub) shut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// send runs under the bus read lock, so a full subscriber is shut here and
// detached later by its own Close.
func (s *memSub) send(event runtime.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
	default:
		s.closed = true
		close(s.ch)
	}
}

var (
	_ EventBus     = (*MemBus)(nil)
	_ Subscription = (*memSub)(nil)
)
