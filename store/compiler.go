package store

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// CompiledSchema is the resolved view of one operation of a schema.
// It is immutable once registered.
type CompiledSchema struct {
	Title         string
	Type          string
	Required      []string
	MinProperties *int
	Properties    map[string]Property

	validator *validator
}

// Property returns the named property, or nil.
func (c *CompiledSchema) Property(name string) Property {
	return c.Properties[name]
}

// PropertyNames returns the property names in lexical order.
func (c *CompiledSchema) PropertyNames() []string {
	names := make([]string, 0, len(c.Properties))
	for name := range c.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Document renders the schema as a JSON Schema document. Function defaults
// are left out.
func (c *CompiledSchema) Document() map[string]any {
	doc := map[string]any{}
	if c.Title != "" {
		doc["title"] = c.Title
	}
	if c.Type != "" {
		doc["type"] = c.Type
	}
	if len(c.Required) > 0 {
		doc["required"] = c.Required
	}
	if c.MinProperties != nil {
		doc["minProperties"] = *c.MinProperties
	}
	props := make(map[string]any, len(c.Properties))
	for name, p := range c.Properties {
		props[name] = documentValue(map[string]any(p))
	}
	doc["properties"] = props
	return doc
}

// schemaSet holds everything compiled for one schema name.
type schemaSet struct {
	name   string
	idName string

	// spec is the main schema: formatted title, id and link properties added.
	spec *SchemaSpec
	ops  map[string]map[string]*CompiledSchema
}

func (s *schemaSet) operation(namespace, op string) (*CompiledSchema, bool) {
	c, ok := s.ops[namespace][op]
	return c, ok
}

// compileSchemas compiles every spec with a meta block.
func compileSchemas(specs map[string]*SchemaSpec, cfg Config) (map[string]*schemaSet, error) {
	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)

	sets := make(map[string]*schemaSet, len(specs))
	for _, name := range names {
		spec := specs[name]
		if spec == nil || spec.Meta == nil {
			continue
		}
		set, err := compileSchema(name, spec, cfg)
		if err != nil {
			return nil, err
		}
		sets[name] = set
	}
	return sets, nil
}

func compileSchema(name string, spec *SchemaSpec, cfg Config) (*schemaSet, error) {
	meta := spec.Meta
	idName := meta.ID
	if idName == "" {
		idName = "id"
	}

	props := cloneProperties(spec.Properties)
	if _, ok := props[idName]; !ok {
		props[idName] = idProperty(cfg.IDPattern)
	}
	var linkNames []string
	for _, link := range meta.Links {
		linkNames = append(linkNames, link.As)
		if _, ok := props[link.As]; ok {
			continue
		}
		if link.Type == HasMany {
			props[link.As] = Property{"type": "array", "items": nullableIDProperty(cfg.IDPattern)}
		} else {
			props[link.As] = nullableIDProperty(cfg.IDPattern)
		}
	}

	ops := cloneOperations(meta.Operations)
	if ops[NamespaceDB] == nil {
		ops[NamespaceDB] = map[string]*OperationSpec{}
	}
	for _, op := range []string{OpNew, OpSave, OpGet} {
		if ops[NamespaceDB][op] == nil {
			ops[NamespaceDB][op] = &OperationSpec{}
		}
	}
	if newOp := ops[NamespaceDB][OpNew]; newOp.ExcludeProperties == nil {
		newOp.ExcludeProperties = []string{idName}
	}
	saveOp := ops[NamespaceDB][OpSave]
	if saveOp.Required == nil {
		saveOp.Required = []string{idName}
	}
	if saveOp.ExcludeProperties == nil && len(linkNames) > 0 {
		saveOp.ExcludeProperties = linkNames
	}
	if saveOp.MinProperties == nil {
		two := 2
		saveOp.MinProperties = &two
	}

	set := &schemaSet{
		name:   name,
		idName: idName,
		spec: &SchemaSpec{
			Title:      formatTitle(spec.Title, "main", "default"),
			Type:       spec.Type,
			Properties: props,
			Meta:       meta,
		},
		ops: make(map[string]map[string]*CompiledSchema, len(ops)),
	}

	for namespace, byOp := range ops {
		set.ops[namespace] = make(map[string]*CompiledSchema, len(byOp))
		for op, opSpec := range byOp {
			compiled := compileOperation(spec, props, namespace, op, opSpec)
			v, err := newValidator(name, namespace, op, compiled)
			if err != nil {
				return nil, err
			}
			compiled.validator = v
			set.ops[namespace][op] = compiled
		}
	}
	return set, nil
}

func compileOperation(spec *SchemaSpec, props map[string]Property, namespace, op string, opSpec *OperationSpec) *CompiledSchema {
	var selected map[string]Property
	if opSpec.IncludeProperties != nil {
		selected = make(map[string]Property, len(opSpec.IncludeProperties))
		for _, name := range opSpec.IncludeProperties {
			if p, ok := props[name]; ok {
				selected[name] = cloneProperty(p)
			}
		}
	} else {
		selected = cloneProperties(props)
	}
	for _, name := range opSpec.ExcludeProperties {
		delete(selected, name)
	}
	for name, extra := range opSpec.ExtraProperties {
		if existing, ok := selected[name]; ok {
			mergeInto(existing, extra)
		} else {
			selected[name] = cloneProperty(extra)
		}
	}

	compiled := &CompiledSchema{
		Title:      formatTitle(spec.Title, namespace, op),
		Type:       spec.Type,
		Properties: selected,
	}
	if opSpec.Required != nil {
		compiled.Required = append([]string(nil), opSpec.Required...)
	}
	if opSpec.MinProperties != nil {
		n := *opSpec.MinProperties
		compiled.MinProperties = &n
	}
	return compiled
}

// formatTitle substitutes the %s verbs of title with args; arguments left
// over are appended separated by spaces.
func formatTitle(title string, args ...string) string {
	out := title
	i := 0
	for ; i < len(args) && strings.Contains(out, "%s"); i++ {
		out = strings.Replace(out, "%s", args[i], 1)
	}
	out = strings.ReplaceAll(out, "%s", "")
	if i < len(args) {
		out = strings.TrimSpace(out + " " + strings.Join(args[i:], " "))
	}
	return out
}

func idProperty(pattern string) Property {
	return Property{"type": "string", "pattern": pattern}
}

func nullableIDProperty(pattern string) Property {
	return Property{"type": []any{"string", "null"}, "pattern": pattern}
}

func cloneProperties(in map[string]Property) map[string]Property {
	out := make(map[string]Property, len(in))
	for name, p := range in {
		out[name] = cloneProperty(p)
	}
	return out
}

func cloneProperty(p Property) Property {
	if p == nil {
		return Property{}
	}
	return Property(deepCopy(map[string]any(p)).(map[string]any))
}

func cloneOperations(in map[string]map[string]*OperationSpec) map[string]map[string]*OperationSpec {
	out := make(map[string]map[string]*OperationSpec, len(in))
	for namespace, byOp := range in {
		out[namespace] = make(map[string]*OperationSpec, len(byOp))
		for op, spec := range byOp {
			if spec == nil {
				out[namespace][op] = &OperationSpec{}
				continue
			}
			c := *spec
			if spec.MinProperties != nil {
				n := *spec.MinProperties
				c.MinProperties = &n
			}
			out[namespace][op] = &c
		}
	}
	return out
}

// deepCopy copies maps and slices; other values are shared.
func deepCopy(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = deepCopy(item)
		}
		return out
	case Property:
		return Property(deepCopy(map[string]any(x)).(map[string]any))
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = deepCopy(item)
		}
		return out
	case []string:
		return append([]string(nil), x...)
	}
	return v
}

// mergeInto merges src into dst recursively, src winning on scalars.
func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		if sm, ok := asMap(v); ok {
			if dm, ok := asMap(dst[k]); ok {
				mergeInto(dm, sm)
				continue
			}
		}
		dst[k] = deepCopy(v)
	}
}

func asMap(v any) (map[string]any, bool) {
	switch x := v.(type) {
	case map[string]any:
		return x, true
	case Property:
		return x, true
	}
	return nil, false
}

// documentValue strips function values from a schema fragment.
func documentValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			if isFunc(item) {
				continue
			}
			out[k] = documentValue(item)
		}
		return out
	case Property:
		return documentValue(map[string]any(x))
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = documentValue(item)
		}
		return out
	}
	return v
}

func isFunc(v any) bool {
	return v != nil && reflect.TypeOf(v).Kind() == reflect.Func
}

func (s *schemaSet) String() string {
	return fmt.Sprintf("schema %q", s.name)
}
