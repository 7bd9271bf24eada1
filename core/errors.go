package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Session and catalog sentinels.
var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionNotPending = errors.New("session is not pending")
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrCancelled         = errors.New("session cancelled")
)

// Error type names recorded in NodeExecution.ErrorType.
const (
	ErrorTypeCycle             = "CycleError"
	ErrorTypeDependencyMissing = "DependencyMissingError"
	ErrorTypeUnknownNodeType   = "UnknownNodeTypeError"
	ErrorTypeHandlerExecution  = "HandlerExecutionError"
	ErrorTypeTimeout           = "TimeoutError"
	ErrorTypeCancelled         = "CancelledError"
)

// CycleError is returned at plan time when the edges do not form a DAG.
type CycleError struct {
	Nodes []string // nodes left with positive in-degree, sorted
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected among nodes: %s", strings.Join(e.Nodes, ", "))
}

// DependencyMissingError is returned when a required input has no value.
type DependencyMissingError struct {
	NodeID  string
	DataKey string
	From    string
}

func (e *DependencyMissingError) Error() string {
	return fmt.Sprintf("node %s: required input %q from %s is missing", e.NodeID, e.DataKey, e.From)
}

// UnknownNodeTypeError is returned when no handler is registered for a type.
type UnknownNodeTypeError struct {
	Type NodeType
}

func (e *UnknownNodeTypeError) Error() string {
	return fmt.Sprintf("no handler registered for node type %q", string(e.Type))
}

// HandlerExecutionError wraps a failure reported by a handler.
type HandlerExecutionError struct {
	NodeID    string
	Type      string // handler-provided error type, may be empty
	Message   string
	Permanent bool
	Cause     error
}

func (e *HandlerExecutionError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("node %s: %s: %s", e.NodeID, e.Type, e.Message)
	}
	return fmt.Sprintf("node %s: %s", e.NodeID, e.Message)
}

func (e *HandlerExecutionError) Unwrap() error {
	return e.Cause
}

// TimeoutError is returned when a handler exceeds its allotted time.
type TimeoutError struct {
	NodeID  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("node %s: handler timed out after %s", e.NodeID, e.Timeout)
}

// Is lets errors.Is(err, context.DeadlineExceeded) match timeouts.
func (e *TimeoutError) Is(target error) bool {
	return target == context.DeadlineExceeded
}

// ErrorType maps an error to the name recorded in NodeExecution.ErrorType.
func ErrorType(err error) string {
	if err == nil {
		return ""
	}
	var (
		cycleErr   *CycleError
		missingErr *DependencyMissingError
		unknownErr *UnknownNodeTypeError
		timeoutErr *TimeoutError
		handlerErr *HandlerExecutionError
	)
	switch {
	case errors.As(err, &cycleErr):
		return ErrorTypeCycle
	case errors.As(err, &missingErr):
		return ErrorTypeDependencyMissing
	case errors.As(err, &unknownErr):
		return ErrorTypeUnknownNodeType
	case errors.As(err, &timeoutErr):
		return ErrorTypeTimeout
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return ErrorTypeCancelled
	case errors.As(err, &handlerErr):
		return ErrorTypeHandlerExecution
	default:
		return ErrorTypeHandlerExecution
	}
}
