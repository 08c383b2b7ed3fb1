package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

type fileFormat string

const (
	formatJSON fileFormat = "json"
	formatYAML fileFormat = "yaml"
)

// formatOf picks the decoder by extension. Files without a known extension
// are treated as JSON when they start with '{', YAML otherwise.
func formatOf(path string, data []byte) fileFormat {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return formatJSON
	case ".yaml", ".yml":
		return formatYAML
	}
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		return formatJSON
	}
	return formatYAML
}

// toJSON returns data as JSON so both formats go through the same strict
// decoder.
func toJSON(f fileFormat, data []byte) ([]byte, error) {
	if f == formatJSON {
		return data, nil
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Kind == 0 {
		return []byte("{}"), nil
	}
	v, err := nodeValue(&doc)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// nodeValue walks a YAML tree into JSON-compatible values. Anchors are
// resolved; mapping keys must be scalars.
func nodeValue(n *yaml.Node) (any, error) {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return map[string]any{}, nil
		}
		return nodeValue(n.Content[0])
	case yaml.AliasNode:
		return nodeValue(n.Alias)
	case yaml.SequenceNode:
		out := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := nodeValue(c)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case yaml.MappingNode:
		out := make(map[string]any, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			k, vn := n.Content[i], n.Content[i+1]
			if k.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("line %d: mapping key must be a scalar", k.Line)
			}
			if k.Value == "<<" && (k.Tag == "" || k.Tag == "!!merge") {
				if err := mergeInto(out, vn); err != nil {
					return nil, err
				}
				continue
			}
			v, err := nodeValue(vn)
			if err != nil {
				return nil, err
			}
			out[k.Value] = v
		}
		return out, nil
	default:
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, fmt.Errorf("line %d: %w", n.Line, err)
		}
		return v, nil
	}
}

// mergeInto applies a "<<" key. Explicit keys in the mapping win, so only
// keys not already present are copied.
func mergeInto(dst map[string]any, src *yaml.Node) error {
	v, err := nodeValue(src)
	if err != nil {
		return err
	}
	var maps []any
	switch x := v.(type) {
	case map[string]any:
		maps = []any{x}
	case []any:
		maps = x
	default:
		return fmt.Errorf("line %d: merge value must be a mapping", src.Line)
	}
	for _, m := range maps {
		mm, ok := m.(map[string]any)
		if !ok {
			return fmt.Errorf("line %d: merge value must be a mapping", src.Line)
		}
		for k, val := range mm {
			if _, set := dst[k]; !set {
				dst[k] = val
			}
		}
	}
	return nil
}
