package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
)

// getNestedValue retrieves a value from a nested map using dot notation.
func getNestedValue(m map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	current := any(m)

	for _, part := range parts {
		currentMap, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = currentMap[part]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

// setNestedValue sets a value in a nested map using dot notation, creating
// intermediate maps as needed.
func setNestedValue(m map[string]any, path string, value any) {
	parts := strings.Split(path, ".")

	current := m
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}

func deleteNestedValue(m map[string]any, path string) {
	parts := strings.Split(path, ".")

	current := m
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			return
		}
		current = next
	}
	delete(current, parts[len(parts)-1])
}

func deepCopyMap(m map[string]any) map[string]any {
	result := make(map[string]any, len(m))
	for k, v := range m {
		result[k] = deepCopyValue(v)
	}
	return result
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}

// flattenMap flattens a nested map into a single-level map.
func flattenMap(m map[string]any, prefix, sep string, maxDepth, depth int, result map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + sep + k
		}

		nested, isMap := v.(map[string]any)
		if isMap && (maxDepth == 0 || depth < maxDepth) {
			flattenMap(nested, key, sep, maxDepth, depth+1, result)
		} else {
			result[key] = v
		}
	}
}

// deepMerge recursively merges src into dst; src wins on conflicts.
func deepMerge(dst, src map[string]any) {
	for k, srcVal := range src {
		if dstMap, ok := dst[k].(map[string]any); ok {
			if srcMap, ok := srcVal.(map[string]any); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[k] = srcVal
	}
}

// renderTemplate executes a text/template against data.
func renderTemplate(name, text string, data any) (string, error) {
	tmpl, err := template.New(name).Funcs(templateFuncs()).Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", fmt.Errorf("invalid template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("template execution failed: %w", err)
	}
	return buf.String(), nil
}

func templateFuncs() template.FuncMap {
	return template.FuncMap{
		"json": func(v any) string {
			data, err := json.Marshal(v)
			if err != nil {
				return fmt.Sprintf("error: %v", err)
			}
			return string(data)
		},
		"jsonPretty": func(v any) string {
			data, err := json.MarshalIndent(v, "", "  ")
			if err != nil {
				return fmt.Sprintf("error: %v", err)
			}
			return string(data)
		},
		"join":      strings.Join,
		"split":     strings.Split,
		"upper":     strings.ToUpper,
		"lower":     strings.ToLower,
		"trim":      strings.TrimSpace,
		"contains":  strings.Contains,
		"hasPrefix": strings.HasPrefix,
		"hasSuffix": strings.HasSuffix,
		"default": func(defaultVal, val any) any {
			if val == nil || val == "" {
				return defaultVal
			}
			return val
		},
	}
}
