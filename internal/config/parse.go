package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// ParseBytes decodes a config document. Files ending in .yaml or .yml are
// YAML, anything else JSON. Both go through the same strict JSON decoder, so
// unknown keys and trailing documents are errors in either format.
func ParseBytes(path string, data []byte) (*Config, error) {
	format := "json"
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
		format = "yaml"
		var err error
		if data, err = yamlToJSON(data); err != nil {
			return nil, err
		}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s config: %w", format, err)
	}
	switch err := dec.Decode(&struct{}{}); err {
	case io.EOF:
		return &cfg, nil
	case nil:
		return nil, fmt.Errorf("%w: trailing data after %s document", ErrInvalid, format)
	default:
		return nil, fmt.Errorf("decode %s config: %w", format, err)
	}
}

func yamlToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml config: %w", err)
	}
	if doc == nil {
		return []byte("{}"), nil
	}
	out, err := json.Marshal(jsonCompatible(doc))
	if err != nil {
		return nil, fmt.Errorf("convert yaml config: %w", err)
	}
	return out, nil
}

// jsonCompatible converts YAML's map[any]any nodes (non-string keys) into
// map[string]any so encoding/json accepts the tree.
func jsonCompatible(v any) any {
	switch node := v.(type) {
	case map[string]any:
		for k, child := range node {
			node[k] = jsonCompatible(child)
		}
		return node
	case map[any]any:
		out := make(map[string]any, len(node))
		for k, child := range node {
			out[fmt.Sprint(k)] = jsonCompatible(child)
		}
		return out
	case []any:
		for i, child := range node {
			node[i] = jsonCompatible(child)
		}
		return node
	}
	return v
}
