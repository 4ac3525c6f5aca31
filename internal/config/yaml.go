package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// coerceToJSONBytes turns YAML input into JSON so both formats flow through
// the same strict JSON decoder. Files without a yaml extension pass through
// untouched.
func coerceToJSONBytes(path string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	out, err := json.Marshal(stringKeyed(doc))
	if err != nil {
		return nil, fmt.Errorf("yaml->json marshal: %w", err)
	}
	return out, nil
}

// stringKeyed rewrites every map key to a string; json.Marshal refuses the
// map[any]any values yaml produces for nested documents.
func stringKeyed(v any) any {
	switch node := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(node))
		for k, item := range node {
			out[fmt.Sprint(k)] = stringKeyed(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, item := range node {
			out[k] = stringKeyed(item)
		}
		return out
	case []any:
		for i := range node {
			node[i] = stringKeyed(node[i])
		}
		return node
	}
	return v
}
