// Package core provides the foundational types and contracts for sessionflow.
//
// This package contains:
//   - The workflow model: Workflow, Node, Edge
//   - The session model: Session, NodeExecution, SessionDataEntry
//   - The error taxonomy raised by planning and execution
//   - The Handler and Recorder contracts the engine dispatches to
package core

import (
	"time"
)

// NodeType identifies the handler a node dispatches to.
// The set is open: any type registered in the handler registry is valid.
type NodeType string

const (
	NodeTypePrompt        NodeType = "prompt"
	NodeTypeHTTPCall      NodeType = "http_call"
	NodeTypeSQLQuery      NodeType = "sql_query"
	NodeTypeJSONTransform NodeType = "json_transform"
	NodeTypeDataMap       NodeType = "data_map"
	NodeTypeScriptTask    NodeType = "script_task"
)

// String returns the string representation of the NodeType.
func (t NodeType) String() string {
	return string(t)
}

// Node is a unit of work of a declared type with type-specific configuration.
type Node struct {
	ID         string
	WorkflowID string
	Name       string
	Type       NodeType
	Config     map[string]any // opaque to the engine, validated by the handler
	Active     bool
	Order      int      // advisory tie-breaker; edges decide real ordering
	OutputKeys []string // extra output keys beyond those named by outgoing edges

	// Timeout overrides the per-type timeout when positive.
	Timeout time.Duration

	// Retry overrides the per-type retry policy when set.
	Retry *RetryPolicy
}

// Edge declares that From's output under DataKey is an input of To.
type Edge struct {
	From     string
	To       string
	DataKey  string
	Required bool
}

// Workflow is an immutable set of nodes and dependency edges.
type Workflow struct {
	ID    string
	Name  string
	Nodes []Node
	Edges []Edge
}

// NodeByID returns the node with the given ID.
func (w Workflow) NodeByID(id string) (Node, bool) {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// Session is one run instance of a workflow.
type Session struct {
	ID          string        `json:"id"`
	WorkflowID  string        `json:"workflow_id"`
	Name        string        `json:"name"`
	Status      SessionStatus `json:"status"`
	CreatedBy   string        `json:"created_by,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// ExecutionStatus is the state of a single node execution attempt.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionSkipped   ExecutionStatus = "skipped"
)

// Terminal reports whether the attempt has finished.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionSkipped:
		return true
	default:
		return false
	}
}

// NodeExecution records one attempt at running a node within a session.
// A retry produces a new NodeExecution with RetryCount incremented.
type NodeExecution struct {
	ID              string          `json:"id"`
	SessionID       string          `json:"session_id"`
	NodeID          string          `json:"node_id"`
	NodeType        NodeType        `json:"node_type"`
	Status          ExecutionStatus `json:"status"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	Input           map[string]any  `json:"input,omitempty"`
	Output          any             `json:"output,omitempty"`
	ErrorType       string          `json:"error_type,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ExecutionTimeMs int64           `json:"execution_time_ms"`
	RetryCount      int             `json:"retry_count"`
}

// SessionDataEntry is one keyed value in a session's data store.
type SessionDataEntry struct {
	SessionID      string    `json:"session_id"`
	Key            string    `json:"key"`
	Value          any       `json:"value"`
	ProducerNodeID string    `json:"producer_node_id"`
	DataType       string    `json:"data_type"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DataTypeOf classifies a JSON-compatible value for SessionDataEntry.DataType.
func DataTypeOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return "number"
	case []any, []string, []int, []float64, []map[string]any:
		return "array"
	case map[string]any, map[string]string:
		return "object"
	default:
		return "object"
	}
}

// RetryPolicy configures retries for a node type or a single node.
// The zero value disables retries.
type RetryPolicy struct {
	MaxRetries     int           `json:"max_retries" yaml:"max_retries"`
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff" yaml:"max_backoff"`
	Multiplier     float64       `json:"multiplier" yaml:"multiplier"`
}

// Enabled reports whether the policy allows at least one retry.
func (p RetryPolicy) Enabled() bool {
	return p.MaxRetries > 0
}
