package store

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Violation is one failed schema constraint.
type Violation struct {
	// Path is the JSON pointer of the offending value; empty for the root.
	Path string `json:"path"`
	Desc string `json:"desc"`
}

func (v Violation) String() string {
	if v.Path == "" {
		return v.Desc
	}
	return v.Path + ": " + v.Desc
}

type validator struct {
	schema *jsonschema.Schema
}

func newValidator(schema, namespace, op string, c *CompiledSchema) (*validator, error) {
	raw, err := json.Marshal(c.Document())
	if err != nil {
		return nil, fmt.Errorf("encode schema %s/%s/%s: %w", schema, namespace, op, err)
	}
	url := fmt.Sprintf("mem://ohm/%s/%s/%s.json", schema, namespace, op)

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	compiler.AssertFormat = true
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("load schema %s/%s/%s: %w", schema, namespace, op, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s/%s/%s: %w", schema, namespace, op, err)
	}
	return &validator{schema: compiled}, nil
}

// Validate checks data against the schema. It returns the violations found;
// the error is set only when data cannot be encoded.
func (c *CompiledSchema) Validate(data map[string]any) ([]Violation, error) {
	if c.validator == nil {
		return nil, nil
	}
	doc, err := normalize(data)
	if err != nil {
		return nil, err
	}
	err = c.validator.schema.Validate(doc)
	if err == nil {
		return nil, nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return nil, err
	}
	return violations(ve), nil
}

// normalize turns data into the plain JSON shapes the validator expects.
func normalize(data map[string]any) (any, error) {
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode entity: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode entity: %w", err)
	}
	return doc, nil
}

// violations flattens the cause tree to its leaves.
func violations(ve *jsonschema.ValidationError) []Violation {
	if len(ve.Causes) == 0 {
		return []Violation{{Path: ve.InstanceLocation, Desc: ve.Message}}
	}
	var out []Violation
	for _, cause := range ve.Causes {
		out = append(out, violations(cause)...)
	}
	return out
}
