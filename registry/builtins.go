package registry

import "github.com/petal-labs/sessionflow/core"

// builtinDefs holds display metadata for the built-in node types. Register
// applies it automatically when one of these tags is registered.
var builtinDefs = map[core.NodeType]NodeTypeDef{
	core.NodeTypePrompt: {
		Category:    "ai",
		DisplayName: "Prompt",
		Description: "Render a prompt template from inputs and send it to a language model",
		ConfigSchema: map[string]any{
			"type":     "object",
			"required": []string{"template"},
			"properties": map[string]any{
				"provider":    map[string]any{"type": "string"},
				"model":       map[string]any{"type": "string"},
				"system":      map[string]any{"type": "string"},
				"template":    map[string]any{"type": "string"},
				"temperature": map[string]any{"type": "number"},
				"max_tokens":  map[string]any{"type": "integer"},
				"json":        map[string]any{"type": "boolean"},
			},
		},
	},
	core.NodeTypeHTTPCall: {
		Category:    "io",
		DisplayName: "HTTP Call",
		Description: "Call an HTTP endpoint and return the decoded response",
		ConfigSchema: map[string]any{
			"type":     "object",
			"required": []string{"url"},
			"properties": map[string]any{
				"method":  map[string]any{"type": "string"},
				"url":     map[string]any{"type": "string"},
				"headers": map[string]any{"type": "object"},
				"query":   map[string]any{"type": "object"},
				"body":    map[string]any{},
				"timeout": map[string]any{"type": "string"},
			},
		},
	},
	core.NodeTypeSQLQuery: {
		Category:    "io",
		DisplayName: "SQL Query",
		Description: "Run a parameterized SQL query and return the rows",
		ConfigSchema: map[string]any{
			"type":     "object",
			"required": []string{"query"},
			"properties": map[string]any{
				"driver": map[string]any{"type": "string"},
				"dsn":    map[string]any{"type": "string"},
				"query":  map[string]any{"type": "string"},
				"args":   map[string]any{"type": "array"},
				"params": map[string]any{"type": "array"},
				"mode":   map[string]any{"type": "string", "enum": []string{"query", "exec"}},
			},
		},
	},
	core.NodeTypeJSONTransform: {
		Category:    "data",
		DisplayName: "JSON Transform",
		Description: "Pick, omit, rename, flatten, merge, template, stringify or parse the inputs",
		ConfigSchema: map[string]any{
			"type":     "object",
			"required": []string{"transform"},
			"properties": map[string]any{
				"transform": map[string]any{
					"type": "string",
					"enum": []string{"pick", "omit", "rename", "flatten", "merge", "template", "stringify", "parse"},
				},
				"input":     map[string]any{"type": "string"},
				"inputs":    map[string]any{"type": "array"},
				"fields":    map[string]any{"type": "array"},
				"mapping":   map[string]any{"type": "object"},
				"template":  map[string]any{"type": "string"},
				"format":    map[string]any{"type": "string", "enum": []string{"json", "yaml", "text"}},
				"separator": map[string]any{"type": "string"},
				"max_depth": map[string]any{"type": "integer"},
				"strategy":  map[string]any{"type": "string", "enum": []string{"shallow", "deep"}},
			},
		},
	},
	core.NodeTypeDataMap: {
		Category:    "data",
		DisplayName: "Data Map",
		Description: "Build one object from selected inputs, remapped fields and constants",
		ConfigSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"include": map[string]any{"type": "array"},
				"fields":  map[string]any{"type": "object"},
				"values":  map[string]any{"type": "object"},
				"strict":  map[string]any{"type": "boolean"},
			},
		},
	},
	core.NodeTypeScriptTask: {
		Category:    "compute",
		DisplayName: "Script Task",
		Description: "Run a command with the inputs as JSON on stdin and parse its stdout",
		ConfigSchema: map[string]any{
			"type":     "object",
			"required": []string{"command"},
			"properties": map[string]any{
				"command": map[string]any{"type": "string"},
				"args":    map[string]any{"type": "array"},
				"dir":     map[string]any{"type": "string"},
				"env":     map[string]any{"type": "object"},
			},
		},
	},
}
