package runtime

import "sync"

// EmitterOptions controls where a session's events go.
type EmitterOptions struct {
	// Handler receives every event synchronously.
	Handler EventHandler

	// Bus distributes events to subscribers. Optional.
	Bus EventPublisher

	// Decorator wraps the emitter, e.g. to attach trace IDs. Optional.
	Decorator EventEmitterDecorator
}

// NewSessionEmitter returns an emitter for one session. It stamps each event
// with the next sequence number before handing it to the decorator, the bus
// and the handler. Delivery is serialized so handlers observe events in
// sequence order even when workers emit concurrently.
func NewSessionEmitter(opts EmitterOptions) EventEmitter {
	var (
		mu  sync.Mutex
		seq uint64
	)
	var emit EventEmitter = func(e Event) {
		if opts.Bus != nil {
			opts.Bus.Publish(e)
		}
		if opts.Handler != nil {
			opts.Handler(e)
		}
	}
	if opts.Decorator != nil {
		emit = opts.Decorator(emit)
	}
	return func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		seq++
		e.Seq = seq
		emit(e)
	}
}
