package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/petal-labs/sessionflow/core"
)

// TransformType names a json_transform operation.
type TransformType string

const (
	TransformPick      TransformType = "pick"
	TransformOmit      TransformType = "omit"
	TransformRename    TransformType = "rename"
	TransformFlatten   TransformType = "flatten"
	TransformMerge     TransformType = "merge"
	TransformTemplate  TransformType = "template"
	TransformStringify TransformType = "stringify"
	TransformParse     TransformType = "parse"
)

// JSONTransformConfig configures one json_transform node.
type JSONTransformConfig struct {
	Transform TransformType

	// Input is a dot path into the node inputs ("user.profile"). Empty
	// selects the whole input map.
	Input string

	// Inputs lists the input keys merged by TransformMerge. Empty merges
	// every input in key order.
	Inputs []string

	Fields    []string          // pick, omit
	Mapping   map[string]string // rename: old path -> new path
	Template  string            // template
	Format    string            // stringify, parse: "json" (default), "yaml", "text"
	Separator string            // flatten, default "."
	MaxDepth  int               // flatten, 0 = unlimited
	Strategy  string            // merge: "shallow" (default) or "deep"
}

// ParseJSONTransformConfig normalizes json_transform config from a node.
func ParseJSONTransformConfig(m map[string]any) (JSONTransformConfig, error) {
	cfg := JSONTransformConfig{
		Transform: TransformType(configString(m, "transform")),
		Input:     configString(m, "input"),
		Mapping:   configStringMap(m, "mapping"),
		Template:  configString(m, "template"),
		Format:    configString(m, "format"),
		Separator: configString(m, "separator"),
		Strategy:  configString(m, "strategy"),
	}
	cfg.Fields, _ = configStringSlice(m, "fields")
	cfg.Inputs, _ = configStringSlice(m, "inputs")
	cfg.MaxDepth, _ = configInt(m, "max_depth")

	if cfg.Format == "" {
		cfg.Format = "json"
	}
	if cfg.Separator == "" {
		cfg.Separator = "."
	}
	if cfg.Strategy == "" {
		cfg.Strategy = "shallow"
	}

	switch cfg.Transform {
	case TransformPick, TransformOmit:
		if len(cfg.Fields) == 0 {
			return cfg, fmt.Errorf("%s requires fields", cfg.Transform)
		}
	case TransformRename:
		if len(cfg.Mapping) == 0 {
			return cfg, fmt.Errorf("rename requires mapping")
		}
	case TransformTemplate:
		if cfg.Template == "" {
			return cfg, fmt.Errorf("template requires template")
		}
	case TransformMerge:
		if cfg.Strategy != "shallow" && cfg.Strategy != "deep" {
			return cfg, fmt.Errorf("strategy must be shallow or deep")
		}
	case TransformFlatten, TransformStringify, TransformParse:
	case "":
		return cfg, fmt.Errorf("transform is required")
	default:
		return cfg, fmt.Errorf("unknown transform type %q", cfg.Transform)
	}
	return cfg, nil
}

// JSONTransform reshapes node inputs: pick, omit, rename, flatten, merge,
// template, stringify and parse.
type JSONTransform struct{}

// Execute runs the configured transform.
func (JSONTransform) Execute(_ context.Context, config map[string]any, input map[string]any) (core.Result, error) {
	cfg, err := ParseJSONTransformConfig(config)
	if err != nil {
		return configError("json_transform: %v", err), nil
	}

	var out any
	switch cfg.Transform {
	case TransformMerge:
		out = transformMerge(cfg, input)
	case TransformTemplate:
		out, err = renderTemplate("json_transform", cfg.Template, input)
	default:
		var source any
		source, err = transformSource(cfg.Input, input)
		if err != nil {
			return core.FailPermanent(ErrTypeInput, err.Error()), nil
		}
		out, err = applyTransform(cfg, source)
	}
	if err != nil {
		return core.FailPermanent(ErrTypeTransform, fmt.Sprintf("%s: %v", cfg.Transform, err)), nil
	}
	return core.OK(out), nil
}

func transformSource(path string, input map[string]any) (any, error) {
	if path == "" {
		return input, nil
	}
	v, ok := getNestedValue(input, path)
	if !ok {
		return nil, fmt.Errorf("input %q not found", path)
	}
	return v, nil
}

func applyTransform(cfg JSONTransformConfig, source any) (any, error) {
	switch cfg.Transform {
	case TransformStringify:
		return stringify(cfg.Format, source)
	case TransformParse:
		s, ok := source.(string)
		if !ok {
			return nil, fmt.Errorf("parse requires string input, got %T", source)
		}
		return parse(cfg.Format, s)
	}

	m, ok := source.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("requires object input, got %T", source)
	}
	switch cfg.Transform {
	case TransformPick:
		result := make(map[string]any)
		for _, field := range cfg.Fields {
			if v, found := getNestedValue(m, field); found {
				setNestedValue(result, field, deepCopyValue(v))
			}
		}
		return result, nil
	case TransformOmit:
		result := deepCopyMap(m)
		for _, field := range cfg.Fields {
			deleteNestedValue(result, field)
		}
		return result, nil
	case TransformRename:
		result := deepCopyMap(m)
		for oldPath, newPath := range cfg.Mapping {
			if v, found := getNestedValue(result, oldPath); found {
				deleteNestedValue(result, oldPath)
				setNestedValue(result, newPath, v)
			}
		}
		return result, nil
	case TransformFlatten:
		result := make(map[string]any)
		flattenMap(m, "", cfg.Separator, cfg.MaxDepth, 0, result)
		return result, nil
	}
	return nil, fmt.Errorf("unknown transform type %q", cfg.Transform)
}

// transformMerge merges the named inputs into one object. Non-object
// inputs are stored under their own key.
func transformMerge(cfg JSONTransformConfig, input map[string]any) map[string]any {
	keys := cfg.Inputs
	if len(keys) == 0 {
		keys = make([]string, 0, len(input))
		for k := range input {
			keys = append(keys, k)
		}
		sort.Strings(keys)
	}

	result := make(map[string]any)
	for _, key := range keys {
		v, ok := input[key]
		if !ok {
			continue
		}
		m, ok := v.(map[string]any)
		if !ok {
			result[key] = v
			continue
		}
		if cfg.Strategy == "deep" {
			deepMerge(result, deepCopyMap(m))
			continue
		}
		for k, v := range m {
			result[k] = v
		}
	}
	return result
}

func stringify(format string, v any) (string, error) {
	switch format {
	case "json":
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return "", fmt.Errorf("json marshal failed: %w", err)
		}
		return string(data), nil
	case "yaml":
		data, err := yaml.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("yaml marshal failed: %w", err)
		}
		return string(data), nil
	case "text":
		return fmt.Sprintf("%v", v), nil
	default:
		return "", fmt.Errorf("unsupported stringify format: %s", format)
	}
}

func parse(format, s string) (any, error) {
	var result any
	switch format {
	case "json":
		if err := json.Unmarshal([]byte(s), &result); err != nil {
			return nil, fmt.Errorf("json parse failed: %w", err)
		}
	case "yaml":
		if err := yaml.Unmarshal([]byte(s), &result); err != nil {
			return nil, fmt.Errorf("yaml parse failed: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported parse format: %s", format)
	}
	return result, nil
}
