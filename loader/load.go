package loader

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/petal-labs/sessionflow/graph"
)

// LoadDefinition reads a workflow file, validates it and returns the
// definition. With a non-nil types checker node types must also be
// registered. Validation errors are returned as *DiagnosticError; warnings
// do not fail the load and are available through Validate.
func LoadDefinition(path string, types graph.TypeChecker) (*graph.Definition, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from caller
	if err != nil {
		return nil, fmt.Errorf("reading file %s: %w", path, err)
	}
	return LoadBytes(data, DetectFormat(data, path), types)
}

// LoadBytes decodes and validates a definition.
func LoadBytes(data []byte, format Format, types graph.TypeChecker) (*graph.Definition, error) {
	def, err := Decode(data, format)
	if err != nil {
		return nil, err
	}

	var diags []graph.Diagnostic
	if types != nil {
		diags = def.ValidateWithRegistry(types)
	} else {
		diags = def.Validate()
	}
	if graph.HasErrors(diags) {
		return nil, &DiagnosticError{Diagnostics: diags}
	}
	return def, nil
}

// Decode parses a definition without validating it. Unknown fields are
// rejected so typos in workflow files surface early.
func Decode(data []byte, format Format) (*graph.Definition, error) {
	jsonData, err := toJSON(data, format)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(jsonData))
	dec.DisallowUnknownFields()
	var def graph.Definition
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("parsing workflow definition: %w", err)
	}
	return &def, nil
}

// DiagnosticError wraps validation diagnostics as an error.
type DiagnosticError struct {
	Diagnostics []graph.Diagnostic
}

func (e *DiagnosticError) Error() string {
	errs := graph.Errors(e.Diagnostics)
	if len(errs) == 1 {
		return fmt.Sprintf("validation error: %s", errs[0].Message)
	}
	return fmt.Sprintf("%d validation errors (first: %s)", len(errs), errs[0].Message)
}
