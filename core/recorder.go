package core

import "context"

// Recorder persists node execution attempts.
//
// The engine calls Record synchronously at every status transition of an
// attempt. Errors are logged by the caller and never change session state.
type Recorder interface {
	Record(ctx context.Context, exec NodeExecution) error
}

// RecorderFunc adapts a function to the Recorder interface.
type RecorderFunc func(ctx context.Context, exec NodeExecution) error

// Record calls f.
func (f RecorderFunc) Record(ctx context.Context, exec NodeExecution) error {
	return f(ctx, exec)
}

// NopRecorder discards every record.
type NopRecorder struct{}

// Record does nothing.
func (NopRecorder) Record(context.Context, NodeExecution) error { return nil }

var (
	_ Recorder = RecorderFunc(nil)
	_ Recorder = NopRecorder{}
	_ Handler  = HandlerFunc(nil)
)
