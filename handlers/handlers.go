// Package handlers provides the reference node handlers: prompt, http_call,
// sql_query, json_transform, data_map and script_task.
package handlers

import (
	"github.com/petal-labs/sessionflow/core"
	"github.com/petal-labs/sessionflow/registry"
)

// Options wires the handlers to their collaborators. Zero values are usable:
// http.DefaultClient, no default DSN, and a prompt handler that fails until
// an LLM resolver is set.
type Options struct {
	HTTPClient HTTPClient
	LLM        LLMResolver
	SQLDSN     string
}

// Builtins holds handlers that own resources.
type Builtins struct {
	SQL *SQLQuery
}

// Close releases pooled database connections.
func (b *Builtins) Close() error {
	return b.SQL.Close()
}

// RegisterBuiltins registers every reference handler on reg.
func RegisterBuiltins(reg *registry.Registry, opts Options) *Builtins {
	sqlHandler := NewSQLQuery(opts.SQLDSN)

	reg.Register(core.NodeTypePrompt, Prompt{LLM: opts.LLM})
	reg.Register(core.NodeTypeHTTPCall, HTTPCall{Client: opts.HTTPClient})
	reg.Register(core.NodeTypeSQLQuery, sqlHandler)
	reg.Register(core.NodeTypeJSONTransform, JSONTransform{})
	reg.Register(core.NodeTypeDataMap, DataMap{})
	reg.Register(core.NodeTypeScriptTask, ScriptTask{}, registry.WithTimeout(DefaultScriptTimeout))

	return &Builtins{SQL: sqlHandler}
}
