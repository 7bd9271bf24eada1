package graph

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petal-labs/sessionflow/core"
)

// Diagnostic represents a validation error or warning produced by
// workflow definition validation.
type Diagnostic struct {
	Code     string `json:"code"`           // e.g. "WF-001"
	Severity string `json:"severity"`       // "error" or "warning"
	Message  string `json:"message"`        // human-readable description
	Path     string `json:"path,omitempty"` // JSON path to offending field
	Line     int    `json:"line,omitempty"` // source line number (0 if unavailable)
}

const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Diagnostic codes.
const (
	CodeMissingField    = "WF-001"
	CodeDuplicateNode   = "WF-002"
	CodeUnknownEndpoint = "WF-003"
	CodeEmptyDataKey    = "WF-004"
	CodeCycle           = "WF-005"
	CodeOrderMismatch   = "WF-006"
	CodeInvalidDuration = "WF-007"
	CodeUnknownType     = "WF-008"
	CodeDuplicateKey    = "WF-009"
)

// HasErrors returns true if any diagnostic has error severity.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Errors returns only the error-severity diagnostics.
func Errors(diags []Diagnostic) []Diagnostic {
	var errs []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityError {
			errs = append(errs, d)
		}
	}
	return errs
}

// Warnings returns only the warning-severity diagnostics.
func Warnings(diags []Diagnostic) []Diagnostic {
	var warns []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityWarning {
			warns = append(warns, d)
		}
	}
	return warns
}

// Definition is the serializable form of a workflow, as read from JSON/YAML
// files or received over HTTP.
type Definition struct {
	ID    string    `json:"id"`
	Name  string    `json:"name,omitempty"`
	Nodes []NodeDef `json:"nodes"`
	Edges []EdgeDef `json:"edges"`
}

// NodeDef is a serializable node within a Definition.
type NodeDef struct {
	ID         string         `json:"id"`
	Name       string         `json:"name,omitempty"`
	Type       string         `json:"type"`
	Order      int            `json:"order,omitempty"`
	Config     map[string]any `json:"config,omitempty"`
	Active     *bool          `json:"active,omitempty"` // nil means active
	OutputKeys []string       `json:"output_keys,omitempty"`
	Timeout    string         `json:"timeout,omitempty"` // Go duration, e.g. "30s"
	Retry      *RetryDef      `json:"retry,omitempty"`
}

// RetryDef is the serializable form of core.RetryPolicy.
type RetryDef struct {
	MaxRetries     int     `json:"max_retries"`
	InitialBackoff string  `json:"initial_backoff,omitempty"`
	MaxBackoff     string  `json:"max_backoff,omitempty"`
	Multiplier     float64 `json:"multiplier,omitempty"`
}

// EdgeDef is a serializable edge within a Definition.
type EdgeDef struct {
	From     string `json:"from"`
	To       string `json:"to"`
	DataKey  string `json:"data_key"`
	Required *bool  `json:"required,omitempty"` // nil means required
}

// IsActive reports the effective active flag.
func (n NodeDef) IsActive() bool {
	return n.Active == nil || *n.Active
}

// IsRequired reports the effective required flag.
func (e EdgeDef) IsRequired() bool {
	return e.Required == nil || *e.Required
}

// TypeChecker reports whether a node type has a registered handler.
type TypeChecker interface {
	Has(nodeType core.NodeType) bool
}

// Validate checks the structural integrity of the definition:
//   - WF-001: workflow ID, node ID and node type are present
//   - WF-002: node IDs are unique
//   - WF-003: edge endpoints reference existing nodes
//   - WF-004: every edge names a data key
//   - WF-005: edges form a DAG
//   - WF-006: edges pointing backwards against the order hint (warning)
//   - WF-007: timeout and retry durations parse
//   - WF-009: a node feeds the same data key to the same target twice (warning)
func (d *Definition) Validate() []Diagnostic {
	var diags []Diagnostic

	if strings.TrimSpace(d.ID) == "" {
		diags = append(diags, Diagnostic{
			Code:     CodeMissingField,
			Severity: SeverityError,
			Message:  "Workflow ID is required",
			Path:     "id",
		})
	}
	if len(d.Nodes) == 0 {
		diags = append(diags, Diagnostic{
			Code:     CodeMissingField,
			Severity: SeverityError,
			Message:  "Workflow must declare at least one node",
			Path:     "nodes",
		})
	}

	nodeIDs := make(map[string]bool, len(d.Nodes))
	orders := make(map[string]int, len(d.Nodes))
	for i, node := range d.Nodes {
		prefix := fmt.Sprintf("nodes[%d]", i)
		if strings.TrimSpace(node.ID) == "" {
			diags = append(diags, Diagnostic{
				Code:     CodeMissingField,
				Severity: SeverityError,
				Message:  "Node ID is required",
				Path:     prefix + ".id",
			})
			continue
		}
		if strings.TrimSpace(node.Type) == "" {
			diags = append(diags, Diagnostic{
				Code:     CodeMissingField,
				Severity: SeverityError,
				Message:  fmt.Sprintf("Node %q has no type", node.ID),
				Path:     prefix + ".type",
			})
		}
		if nodeIDs[node.ID] {
			diags = append(diags, Diagnostic{
				Code:     CodeDuplicateNode,
				Severity: SeverityError,
				Message:  fmt.Sprintf("Duplicate node ID %q", node.ID),
				Path:     prefix + ".id",
			})
		}
		nodeIDs[node.ID] = true
		orders[node.ID] = node.Order
		diags = append(diags, validateDurations(prefix, node)...)
	}

	edgeRefErrors := false
	seen := make(map[string]bool, len(d.Edges))
	for i, edge := range d.Edges {
		prefix := fmt.Sprintf("edges[%d]", i)
		if !nodeIDs[edge.From] {
			edgeRefErrors = true
			diags = append(diags, Diagnostic{
				Code:     CodeUnknownEndpoint,
				Severity: SeverityError,
				Message:  fmt.Sprintf("Edge source %q references unknown node", edge.From),
				Path:     prefix + ".from",
			})
		}
		if !nodeIDs[edge.To] {
			edgeRefErrors = true
			diags = append(diags, Diagnostic{
				Code:     CodeUnknownEndpoint,
				Severity: SeverityError,
				Message:  fmt.Sprintf("Edge target %q references unknown node", edge.To),
				Path:     prefix + ".to",
			})
		}
		if strings.TrimSpace(edge.DataKey) == "" {
			diags = append(diags, Diagnostic{
				Code:     CodeEmptyDataKey,
				Severity: SeverityError,
				Message:  fmt.Sprintf("Edge %s -> %s has no data key", edge.From, edge.To),
				Path:     prefix + ".data_key",
			})
		}

		sig := edge.From + "\x00" + edge.To + "\x00" + edge.DataKey
		if seen[sig] {
			diags = append(diags, Diagnostic{
				Code:     CodeDuplicateKey,
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("Edge %s -> %s repeats data key %q", edge.From, edge.To, edge.DataKey),
				Path:     prefix,
			})
		}
		seen[sig] = true

		if nodeIDs[edge.From] && nodeIDs[edge.To] && orders[edge.From] > orders[edge.To] {
			diags = append(diags, Diagnostic{
				Code:     CodeOrderMismatch,
				Severity: SeverityWarning,
				Message: fmt.Sprintf("Edge %s -> %s runs against the order hint (%d > %d); edges decide execution order",
					edge.From, edge.To, orders[edge.From], orders[edge.To]),
				Path: prefix,
			})
		}
	}

	// Cycle detection only makes sense once every edge resolves.
	if !edgeRefErrors {
		if cycle := d.detectCycle(); len(cycle) > 0 {
			diags = append(diags, Diagnostic{
				Code:     CodeCycle,
				Severity: SeverityError,
				Message:  fmt.Sprintf("Workflow contains a cycle: nodes involved: %s", strings.Join(cycle, ", ")),
			})
		}
	}

	return diags
}

// ValidateWithRegistry runs Validate plus WF-008: every node type must have a
// registered handler.
func (d *Definition) ValidateWithRegistry(types TypeChecker) []Diagnostic {
	diags := d.Validate()
	if types == nil {
		return diags
	}
	for i, node := range d.Nodes {
		if node.Type == "" || types.Has(core.NodeType(node.Type)) {
			continue
		}
		diags = append(diags, Diagnostic{
			Code:     CodeUnknownType,
			Severity: SeverityError,
			Message:  fmt.Sprintf("Node %q references unknown type %q", node.ID, node.Type),
			Path:     fmt.Sprintf("nodes[%d].type", i),
		})
	}
	return diags
}

func validateDurations(prefix string, node NodeDef) []Diagnostic {
	var diags []Diagnostic
	check := func(path, value string) {
		if value == "" {
			return
		}
		if dur, err := time.ParseDuration(value); err != nil || dur < 0 {
			diags = append(diags, Diagnostic{
				Code:     CodeInvalidDuration,
				Severity: SeverityError,
				Message:  fmt.Sprintf("Node %q has invalid duration %q", node.ID, value),
				Path:     path,
			})
		}
	}
	check(prefix+".timeout", node.Timeout)
	if node.Retry != nil {
		check(prefix+".retry.initial_backoff", node.Retry.InitialBackoff)
		check(prefix+".retry.max_backoff", node.Retry.MaxBackoff)
		if node.Retry.MaxRetries < 0 {
			diags = append(diags, Diagnostic{
				Code:     CodeInvalidDuration,
				Severity: SeverityError,
				Message:  fmt.Sprintf("Node %q has negative max_retries", node.ID),
				Path:     prefix + ".retry.max_retries",
			})
		}
	}
	return diags
}

// detectCycle returns the IDs of nodes left on a cycle, or nil.
func (d *Definition) detectCycle() []string {
	wf := core.Workflow{ID: d.ID}
	for _, n := range d.Nodes {
		wf.Nodes = append(wf.Nodes, core.Node{ID: n.ID, Order: n.Order})
	}
	for _, e := range d.Edges {
		// Empty keys are reported separately; keep the edge for ordering.
		key := e.DataKey
		if strings.TrimSpace(key) == "" {
			key = "_"
		}
		wf.Edges = append(wf.Edges, core.Edge{From: e.From, To: e.To, DataKey: key})
	}
	g, err := Build(wf)
	if err != nil {
		return nil
	}
	if _, err := g.Plan(); err != nil {
		var cycleErr *core.CycleError
		if errors.As(err, &cycleErr) {
			return cycleErr.Nodes
		}
	}
	return nil
}

// ToWorkflow converts the definition into a core.Workflow. Definitions with
// error diagnostics are rejected.
func (d *Definition) ToWorkflow() (core.Workflow, error) {
	if diags := d.Validate(); HasErrors(diags) {
		first := Errors(diags)[0]
		return core.Workflow{}, fmt.Errorf("invalid workflow %q: %s: %s", d.ID, first.Code, first.Message)
	}

	wf := core.Workflow{
		ID:    d.ID,
		Name:  d.Name,
		Nodes: make([]core.Node, 0, len(d.Nodes)),
		Edges: make([]core.Edge, 0, len(d.Edges)),
	}
	if wf.Name == "" {
		wf.Name = d.ID
	}

	for _, nd := range d.Nodes {
		node := core.Node{
			ID:         nd.ID,
			WorkflowID: d.ID,
			Name:       nd.Name,
			Type:       core.NodeType(nd.Type),
			Config:     nd.Config,
			Active:     nd.IsActive(),
			Order:      nd.Order,
			OutputKeys: nd.OutputKeys,
		}
		if node.Name == "" {
			node.Name = nd.ID
		}
		if nd.Timeout != "" {
			node.Timeout, _ = time.ParseDuration(nd.Timeout)
		}
		if nd.Retry != nil {
			policy := core.RetryPolicy{
				MaxRetries: nd.Retry.MaxRetries,
				Multiplier: nd.Retry.Multiplier,
			}
			policy.InitialBackoff, _ = time.ParseDuration(nd.Retry.InitialBackoff)
			policy.MaxBackoff, _ = time.ParseDuration(nd.Retry.MaxBackoff)
			node.Retry = &policy
		}
		wf.Nodes = append(wf.Nodes, node)
	}

	for _, ed := range d.Edges {
		wf.Edges = append(wf.Edges, core.Edge{
			From:     ed.From,
			To:       ed.To,
			DataKey:  ed.DataKey,
			Required: ed.IsRequired(),
		})
	}

	return wf, nil
}

// FromWorkflow converts a core.Workflow back into its serializable form.
func FromWorkflow(wf core.Workflow) Definition {
	d := Definition{
		ID:    wf.ID,
		Name:  wf.Name,
		Nodes: make([]NodeDef, 0, len(wf.Nodes)),
		Edges: make([]EdgeDef, 0, len(wf.Edges)),
	}
	for _, n := range wf.Nodes {
		active := n.Active
		nd := NodeDef{
			ID:         n.ID,
			Name:       n.Name,
			Type:       string(n.Type),
			Order:      n.Order,
			Config:     n.Config,
			Active:     &active,
			OutputKeys: n.OutputKeys,
		}
		if n.Timeout > 0 {
			nd.Timeout = n.Timeout.String()
		}
		if n.Retry != nil {
			nd.Retry = &RetryDef{
				MaxRetries: n.Retry.MaxRetries,
				Multiplier: n.Retry.Multiplier,
			}
			if n.Retry.InitialBackoff > 0 {
				nd.Retry.InitialBackoff = n.Retry.InitialBackoff.String()
			}
			if n.Retry.MaxBackoff > 0 {
				nd.Retry.MaxBackoff = n.Retry.MaxBackoff.String()
			}
		}
		d.Nodes = append(d.Nodes, nd)
	}
	for _, e := range wf.Edges {
		required := e.Required
		d.Edges = append(d.Edges, EdgeDef{
			From:     e.From,
			To:       e.To,
			DataKey:  e.DataKey,
			Required: &required,
		})
	}
	return d
}
