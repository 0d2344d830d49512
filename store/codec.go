package store

import (
	"fmt"
	"math"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/jacentio/ohm/internal/keys"
)

// encodeFields renders the properties of data declared by schema as store
// strings. Null properties map to nil.
func encodeFields(schema *CompiledSchema, data map[string]any) (map[string]*string, error) {
	out := make(map[string]*string, len(data))
	for name, v := range data {
		prop, ok := schema.Properties[name]
		if !ok {
			continue
		}
		if v == nil {
			out[name] = nil
			continue
		}
		s, err := encodeValue(prop, v)
		if err != nil {
			return nil, fmt.Errorf("encode %q: %w", name, err)
		}
		out[name] = &s
	}
	return out, nil
}

func encodeValue(prop Property, v any) (string, error) {
	switch prop.Type() {
	case "object", "array":
		raw, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	case "boolean":
		if b, ok := v.(bool); ok {
			return strconv.FormatBool(b), nil
		}
	}
	switch x := v.(type) {
	case map[string]any, []any, []string:
		raw, err := json.Marshal(x)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	case bool:
		return strconv.FormatBool(x), nil
	}
	return keys.FormatValue(v), nil
}

// decodeFields converts stored strings back to typed values following
// schema. Fields the schema does not declare are dropped.
func decodeFields(schema *CompiledSchema, raw map[string]string) (map[string]any, error) {
	out := make(map[string]any, len(raw))
	for name, s := range raw {
		prop, ok := schema.Properties[name]
		if !ok {
			continue
		}
		v, err := decodeValue(prop, s)
		if err != nil {
			return nil, fmt.Errorf("decode %q: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

func decodeValue(prop Property, s string) (any, error) {
	switch prop.Type() {
	case "object", "array":
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, err
		}
		return v, nil
	case "boolean":
		return s == "true", nil
	case "integer":
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return int64(math.Trunc(f)), nil
		}
		return s, nil
	case "number":
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f, nil
		}
		return s, nil
	}
	return s, nil
}
