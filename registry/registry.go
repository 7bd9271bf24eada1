// Package registry maps node type tags to the handlers that execute them.
// Each entry also carries per-type execution options (timeout, retry) and
// display metadata served by GET /api/node-types.
package registry

import (
	"sync"
	"time"

	"github.com/petal-labs/sessionflow/core"
)

// NodeTypeDef describes a registered node type.
type NodeTypeDef struct {
	Type         string `json:"type"`
	Category     string `json:"category"` // "ai", "io", "data", "compute"
	DisplayName  string `json:"display_name"`
	Description  string `json:"description"`
	ConfigSchema any    `json:"config_schema,omitempty"` // JSON Schema for config
	TimeoutMs    int64  `json:"timeout_ms,omitempty"`
	MaxRetries   int    `json:"max_retries,omitempty"`
}

// Options are the per-type execution options applied by the executor.
type Options struct {
	// Timeout bounds one handler invocation. Zero defers to the executor default.
	Timeout time.Duration

	// Retry is the default retry policy for nodes of this type.
	Retry core.RetryPolicy
}

// Option configures a registration.
type Option func(*entry)

// WithTimeout sets the per-type handler timeout.
func WithTimeout(d time.Duration) Option {
	return func(e *entry) { e.opts.Timeout = d }
}

// WithRetry sets the per-type retry policy.
func WithRetry(p core.RetryPolicy) Option {
	return func(e *entry) { e.opts.Retry = p }
}

// WithDef sets display metadata. The Type field is always the registered tag.
func WithDef(def NodeTypeDef) Option {
	return func(e *entry) { e.def = def }
}

type entry struct {
	handler core.Handler
	opts    Options
	def     NodeTypeDef
}

// Registry holds all known node types.
type Registry struct {
	mu    sync.RWMutex
	types map[core.NodeType]entry
	order []core.NodeType // preserves registration order
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		types: make(map[core.NodeType]entry),
	}
}

// Register binds a handler to a type tag. If the tag is already registered
// the previous binding is overwritten.
func (r *Registry) Register(nodeType core.NodeType, handler core.Handler, opts ...Option) {
	e := entry{handler: handler}
	if def, ok := builtinDefs[nodeType]; ok {
		e.def = def
	}
	for _, opt := range opts {
		opt(&e)
	}
	e.def.Type = string(nodeType)
	if e.def.DisplayName == "" {
		e.def.DisplayName = string(nodeType)
	}
	e.def.TimeoutMs = e.opts.Timeout.Milliseconds()
	e.def.MaxRetries = e.opts.Retry.MaxRetries

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[nodeType]; !exists {
		r.order = append(r.order, nodeType)
	}
	r.types[nodeType] = e
}

// Resolve returns the handler and options for a type tag, or
// *core.UnknownNodeTypeError.
func (r *Registry) Resolve(nodeType core.NodeType) (core.Handler, Options, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.types[nodeType]
	if !ok {
		return nil, Options{}, &core.UnknownNodeTypeError{Type: nodeType}
	}
	return e.handler, e.opts, nil
}

// Get returns a node type definition by type tag.
func (r *Registry) Get(nodeType core.NodeType) (NodeTypeDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.types[nodeType]
	return e.def, ok
}

// Has returns true if the type tag is registered.
func (r *Registry) Has(nodeType core.NodeType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[nodeType]
	return ok
}

// Types returns the registered tags in registration order.
func (r *Registry) Types() []core.NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]core.NodeType(nil), r.order...)
}

// All returns all registered node type definitions in registration order.
// Used by GET /api/node-types endpoint.
func (r *Registry) All() []NodeTypeDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]NodeTypeDef, 0, len(r.order))
	for _, t := range r.order {
		result = append(result, r.types[t].def)
	}
	return result
}

// Len returns the number of registered node types.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.types)
}
