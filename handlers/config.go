package handlers

import (
	"fmt"
	"math"
	"time"

	"github.com/petal-labs/sessionflow/core"
)

// Error types reported by the reference handlers.
const (
	ErrTypeConfig    = "ConfigError"
	ErrTypeInput     = "InputError"
	ErrTypeTransform = "TransformError"
	ErrTypeHTTP      = "HTTPError"
	ErrTypeSQL       = "SQLError"
	ErrTypeScript    = "ScriptError"
	ErrTypeLLM       = "LLMError"
)

// configError fails the node permanently; retrying a bad config cannot help.
func configError(format string, args ...any) core.Result {
	return core.FailPermanent(ErrTypeConfig, fmt.Sprintf(format, args...))
}

func configString(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func configStringSlice(m map[string]any, key string) ([]string, bool) {
	switch raw := m[key].(type) {
	case []string:
		return raw, true
	case []any:
		out := make([]string, 0, len(raw))
		for _, item := range raw {
			s, ok := item.(string)
			if !ok {
				continue
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

func configStringMap(m map[string]any, key string) map[string]string {
	switch raw := m[key].(type) {
	case map[string]string:
		return raw
	case map[string]any:
		out := make(map[string]string, len(raw))
		for k, v := range raw {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
		return out
	default:
		return nil
	}
}

func configMap(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}

// configFloat64 extracts a number from config; JSON numbers decode as float64.
func configFloat64(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

func configInt(m map[string]any, key string) (int, bool) {
	v, ok := configFloat64(m, key)
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return int(v), true
}

func configBool(m map[string]any, key string) bool {
	v, _ := m[key].(bool)
	return v
}

// configDuration accepts Go duration strings or a number of seconds.
func configDuration(m map[string]any, key string) time.Duration {
	switch v := m[key].(type) {
	case string:
		d, _ := time.ParseDuration(v)
		return d
	case float64:
		return time.Duration(v * float64(time.Second))
	case int:
		return time.Duration(v) * time.Second
	default:
		return 0
	}
}
