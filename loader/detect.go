// Package loader reads workflow definitions from JSON and YAML files.
package loader

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format is the encoding of a workflow file.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// DetectFormat picks the encoding from the file extension, falling back to
// the content: a document starting with '{' is JSON, anything else YAML.
func DetectFormat(data []byte, path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".json":
		return FormatJSON
	}
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		return FormatJSON
	}
	return FormatYAML
}

// toJSON converts data to JSON bytes, handling YAML conversion when needed.
func toJSON(data []byte, format Format) ([]byte, error) {
	if format == FormatYAML {
		return yamlToJSON(data)
	}
	return data, nil
}

// yamlToJSON converts YAML to JSON bytes: YAML -> map[string]any -> JSON
// bytes -> typed struct, so the json tags stay the single source of field
// names.
func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	return json.Marshal(raw)
}
