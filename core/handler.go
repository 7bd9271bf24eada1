package core

import (
	"context"
)

// Handler is the pluggable, type-specific executor a node dispatches to.
//
// A failure is reported either by returning a non-nil error or by returning
// a Result with Success false. Handlers should honor ctx cancellation; the
// executor abandons handlers that outlive their timeout.
type Handler interface {
	Execute(ctx context.Context, config map[string]any, input map[string]any) (Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, config map[string]any, input map[string]any) (Result, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, config map[string]any, input map[string]any) (Result, error) {
	return f(ctx, config, input)
}

// Result is what a handler returns for one invocation.
type Result struct {
	Success bool
	Data    any
	Error   *HandlerError
}

// HandlerError describes a handler-level failure.
type HandlerError struct {
	Type    string
	Message string

	// Permanent marks failures that retrying cannot fix (bad config, 4xx).
	Permanent bool
}

func (e *HandlerError) Error() string {
	if e.Type == "" {
		return e.Message
	}
	return e.Type + ": " + e.Message
}

// OK builds a successful Result.
func OK(data any) Result {
	return Result{Success: true, Data: data}
}

// Fail builds a failed Result.
func Fail(errType, message string) Result {
	return Result{Error: &HandlerError{Type: errType, Message: message}}
}

// FailPermanent builds a failed Result that must not be retried.
func FailPermanent(errType, message string) Result {
	return Result{Error: &HandlerError{Type: errType, Message: message, Permanent: true}}
}
