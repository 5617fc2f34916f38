package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

func isYAMLPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// yamlToJSON re-encodes a single YAML document as JSON so YAML files reach
// the same strict decoder as JSON ones. An empty document becomes {}.
func yamlToJSON(data []byte) ([]byte, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var doc any
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return []byte("{}"), nil
		}
		return nil, fmt.Errorf("yaml: %w", err)
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		if err != nil {
			return nil, fmt.Errorf("yaml: %w", err)
		}
		return nil, errors.New("yaml: only one document is allowed")
	}
	if doc == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(jsonValue(doc))
}

// jsonValue rewrites YAML maps with non-string keys (numbers, booleans) into
// string-keyed maps that json.Marshal accepts.
func jsonValue(in any) any {
	switch x := in.(type) {
	case map[string]any:
		for k, v := range x {
			x[k] = jsonValue(v)
		}
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, v := range x {
			out[fmt.Sprint(k)] = jsonValue(v)
		}
		return out
	case []any:
		for i, v := range x {
			x[i] = jsonValue(v)
		}
	}
	return in
}
