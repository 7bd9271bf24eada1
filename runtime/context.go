package runtime

import (
	"context"

	"github.com/petal-labs/sessionflow/core"
)

type emitterKey struct{}

type nodeKey struct{}

// NodeInfo identifies the node attempt a handler is running for.
type NodeInfo struct {
	SessionID  string
	WorkflowID string
	NodeID     string
	NodeType   core.NodeType
	Attempt    int
}

// ContextWithEmitter attaches the session's event emitter to ctx.
func ContextWithEmitter(ctx context.Context, emit EventEmitter) context.Context {
	return context.WithValue(ctx, emitterKey{}, emit)
}

// EmitterFromContext returns the emitter stored in ctx, or a no-op.
func EmitterFromContext(ctx context.Context) EventEmitter {
	if emit, ok := ctx.Value(emitterKey{}).(EventEmitter); ok {
		return emit
	}
	return func(Event) {}
}

// ContextWithNode attaches the running node attempt to ctx.
func ContextWithNode(ctx context.Context, info NodeInfo) context.Context {
	return context.WithValue(ctx, nodeKey{}, info)
}

// NodeFromContext returns the node attempt stored in ctx.
func NodeFromContext(ctx context.Context) (NodeInfo, bool) {
	info, ok := ctx.Value(nodeKey{}).(NodeInfo)
	return info, ok
}
