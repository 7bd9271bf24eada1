package handlers

import (
	"context"

	"github.com/petal-labs/sessionflow/core"
)

// DataMap builds one object from the node inputs. Config keys:
//
//	include  input keys copied as-is (default: all inputs)
//	fields   output path -> input path ("user.name": "profile.name")
//	values   constants merged last
//
// Missing field sources are skipped unless "strict" is true.
type DataMap struct{}

// Execute builds the mapped object.
func (DataMap) Execute(_ context.Context, config map[string]any, input map[string]any) (core.Result, error) {
	out := make(map[string]any)

	if include, ok := configStringSlice(config, "include"); ok {
		for _, key := range include {
			if v, found := input[key]; found {
				out[key] = deepCopyValue(v)
			}
		}
	} else if configMap(config, "fields") == nil {
		for k, v := range input {
			out[k] = deepCopyValue(v)
		}
	}

	strict := configBool(config, "strict")
	for target, source := range configStringMap(config, "fields") {
		v, found := getNestedValue(input, source)
		if !found {
			if strict {
				return core.FailPermanent(ErrTypeInput, "data_map: field source "+source+" not found"), nil
			}
			continue
		}
		setNestedValue(out, target, deepCopyValue(v))
	}

	for k, v := range configMap(config, "values") {
		out[k] = deepCopyValue(v)
	}
	return core.OK(out), nil
}
