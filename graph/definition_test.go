package graph

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/petal-labs/sessionflow/core"
)

func hasCode(diags []Diagnostic, code string) bool {
	for _, d := range diags {
		if d.Code == code {
			return true
		}
	}
	return false
}

func validDefinition() Definition {
	return Definition{
		ID:   "wf",
		Name: "Example",
		Nodes: []NodeDef{
			{ID: "fetch", Type: "http_call", Order: 1},
			{ID: "shape", Type: "data_map", Order: 2},
		},
		Edges: []EdgeDef{
			{From: "fetch", To: "shape", DataKey: "raw"},
		},
	}
}

func TestDefinition_JSONDefaults(t *testing.T) {
	raw := `{
		"id": "wf",
		"nodes": [
			{"id": "a", "type": "data_map", "order": 1, "timeout": "2s",
			 "retry": {"max_retries": 2, "initial_backoff": "10ms", "multiplier": 2}},
			{"id": "b", "type": "data_map", "order": 2, "active": false}
		],
		"edges": [
			{"from": "a", "to": "b", "data_key": "k"},
			{"from": "a", "to": "b", "data_key": "opt", "required": false}
		]
	}`
	var def Definition
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	wf, err := def.ToWorkflow()
	if err != nil {
		t.Fatalf("ToWorkflow() error = %v", err)
	}
	if wf.Name != "wf" {
		t.Errorf("Name = %q, want the ID as fallback", wf.Name)
	}
	if !wf.Nodes[0].Active || wf.Nodes[1].Active {
		t.Errorf("Active = %v/%v, want true/false", wf.Nodes[0].Active, wf.Nodes[1].Active)
	}
	if wf.Nodes[0].Timeout != 2*time.Second {
		t.Errorf("Timeout = %v, want 2s", wf.Nodes[0].Timeout)
	}
	if wf.Nodes[0].Retry == nil || wf.Nodes[0].Retry.MaxRetries != 2 || wf.Nodes[0].Retry.InitialBackoff != 10*time.Millisecond {
		t.Errorf("Retry = %+v", wf.Nodes[0].Retry)
	}
	if wf.Nodes[1].WorkflowID != "wf" {
		t.Errorf("WorkflowID = %q, want wf", wf.Nodes[1].WorkflowID)
	}
	if !wf.Edges[0].Required || wf.Edges[1].Required {
		t.Errorf("Required = %v/%v, want true/false", wf.Edges[0].Required, wf.Edges[1].Required)
	}
}

func TestValidate_ValidDefinition(t *testing.T) {
	def := validDefinition()
	if diags := def.Validate(); len(diags) != 0 {
		t.Fatalf("Validate() = %v, want no diagnostics", diags)
	}
}

func TestValidate_Diagnostics(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(d *Definition)
		code     string
		severity string
	}{
		{
			name:     "missing workflow id",
			mutate:   func(d *Definition) { d.ID = "" },
			code:     CodeMissingField,
			severity: SeverityError,
		},
		{
			name:     "missing node type",
			mutate:   func(d *Definition) { d.Nodes[1].Type = "" },
			code:     CodeMissingField,
			severity: SeverityError,
		},
		{
			name:     "duplicate node",
			mutate:   func(d *Definition) { d.Nodes = append(d.Nodes, NodeDef{ID: "fetch", Type: "http_call"}) },
			code:     CodeDuplicateNode,
			severity: SeverityError,
		},
		{
			name:     "unknown edge target",
			mutate:   func(d *Definition) { d.Edges[0].To = "ghost" },
			code:     CodeUnknownEndpoint,
			severity: SeverityError,
		},
		{
			name:     "empty data key",
			mutate:   func(d *Definition) { d.Edges[0].DataKey = "" },
			code:     CodeEmptyDataKey,
			severity: SeverityError,
		},
		{
			name: "cycle",
			mutate: func(d *Definition) {
				d.Edges = append(d.Edges, EdgeDef{From: "shape", To: "fetch", DataKey: "back"})
			},
			code:     CodeCycle,
			severity: SeverityError,
		},
		{
			name:     "order mismatch",
			mutate:   func(d *Definition) { d.Nodes[0].Order = 9 },
			code:     CodeOrderMismatch,
			severity: SeverityWarning,
		},
		{
			name:     "bad timeout",
			mutate:   func(d *Definition) { d.Nodes[0].Timeout = "soon" },
			code:     CodeInvalidDuration,
			severity: SeverityError,
		},
		{
			name: "repeated data key",
			mutate: func(d *Definition) {
				d.Edges = append(d.Edges, EdgeDef{From: "fetch", To: "shape", DataKey: "raw"})
			},
			code:     CodeDuplicateKey,
			severity: SeverityWarning,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			tt.mutate(&def)
			diags := def.Validate()
			if !hasCode(diags, tt.code) {
				t.Fatalf("Validate() = %v, want code %s", diags, tt.code)
			}
			for _, d := range diags {
				if d.Code == tt.code && d.Severity != tt.severity {
					t.Errorf("severity = %q, want %q", d.Severity, tt.severity)
				}
			}
		})
	}
}

func TestValidate_OrderMismatchStillConverts(t *testing.T) {
	def := validDefinition()
	def.Nodes[0].Order = 9

	wf, err := def.ToWorkflow()
	if err != nil {
		t.Fatalf("ToWorkflow() error = %v", err)
	}
	g, err := Build(wf)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	plan, err := g.Plan()
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if plan.Order[0] != "fetch" {
		t.Errorf("Order = %v, want fetch first", plan.Order)
	}
}

func TestToWorkflow_RejectsErrors(t *testing.T) {
	def := validDefinition()
	def.Edges[0].From = "ghost"
	if _, err := def.ToWorkflow(); err == nil {
		t.Fatal("ToWorkflow() error = nil, want validation error")
	}
}

type typeSet map[core.NodeType]bool

func (s typeSet) Has(t core.NodeType) bool { return s[t] }

func TestValidateWithRegistry_UnknownType(t *testing.T) {
	def := validDefinition()
	diags := def.ValidateWithRegistry(typeSet{core.NodeTypeHTTPCall: true})
	if !hasCode(diags, CodeUnknownType) {
		t.Fatalf("ValidateWithRegistry() = %v, want %s", diags, CodeUnknownType)
	}
	if got := len(Errors(diags)); got != 1 {
		t.Errorf("Errors() = %d, want 1", got)
	}
}

func TestFromWorkflow_RoundTrip(t *testing.T) {
	def := validDefinition()
	def.Nodes[0].Timeout = "1m0s"
	wf, err := def.ToWorkflow()
	if err != nil {
		t.Fatalf("ToWorkflow() error = %v", err)
	}
	back := FromWorkflow(wf)
	if back.Nodes[0].Timeout != "1m0s" {
		t.Errorf("Timeout = %q, want 1m0s", back.Nodes[0].Timeout)
	}
	if !back.Edges[0].IsRequired() || !back.Nodes[1].IsActive() {
		t.Error("FromWorkflow lost active/required flags")
	}
}

func TestHasErrors_AndWarnings(t *testing.T) {
	diags := []Diagnostic{
		{Code: CodeOrderMismatch, Severity: SeverityWarning},
		{Code: CodeCycle, Severity: SeverityError},
	}
	if !HasErrors(diags) {
		t.Error("HasErrors() = false, want true")
	}
	if len(Errors(diags)) != 1 || len(Warnings(diags)) != 1 {
		t.Errorf("Errors/Warnings = %d/%d, want 1/1", len(Errors(diags)), len(Warnings(diags)))
	}
	if HasErrors(Warnings(diags)) {
		t.Error("HasErrors(warnings) = true, want false")
	}
}
