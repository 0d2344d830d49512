package store

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// Link cardinalities.
const (
	HasOne  = "hasOne"
	HasMany = "hasMany"
)

// Operation namespace and names created for every schema.
const (
	NamespaceDB = "db"

	OpNew  = "new"
	OpSave = "save"
	OpGet  = "get"
)

// Property is a JSON Schema fragment describing one entity property.
//
// A "default" entry may hold a literal or a DefaultFunc; functions are
// applied by SetDefaults and left out of the validation document.
type Property map[string]any

// DefaultFunc computes a property default from the entity data.
type DefaultFunc func(data map[string]any) any

// Type returns the primary JSON type of the property: the first element when
// the type is a list.
func (p Property) Type() string {
	switch t := p["type"].(type) {
	case string:
		return t
	case []any:
		if len(t) > 0 {
			s, _ := t[0].(string)
			return s
		}
	case []string:
		if len(t) > 0 {
			return t[0]
		}
	}
	return ""
}

// SchemaSpec is the declarative description of an entity type.
type SchemaSpec struct {
	Title      string              `json:"title,omitempty" yaml:"title,omitempty"`
	Type       string              `json:"type,omitempty" yaml:"type,omitempty"`
	Properties map[string]Property `json:"properties,omitempty" yaml:"properties,omitempty"`

	// Meta makes the schema an entity schema; specs without it are ignored.
	Meta *Meta `json:"meta,omitempty" yaml:"meta,omitempty"`
}

// Meta holds the storage metadata of a schema.
type Meta struct {
	// ID names the id property. Default: "id".
	ID string `json:"id,omitempty" yaml:"id,omitempty"`

	// IDGenerator selects the id strategy: "increment", "date", or empty for
	// a random UUID. GenerateID takes precedence when set.
	IDGenerator string      `json:"idGenerator,omitempty" yaml:"idGenerator,omitempty"`
	GenerateID  IDFunc      `json:"-" yaml:"-"`
	Indexes     []IndexSpec `json:"indexes,omitempty" yaml:"indexes,omitempty"`
	Links       []LinkSpec  `json:"links,omitempty" yaml:"links,omitempty"`

	// Operations maps a namespace ("db") and an operation name to the
	// property selection of that operation.
	Operations map[string]map[string]*OperationSpec `json:"operations,omitempty" yaml:"operations,omitempty"`
}

// IDFunc generates the id of a new entity.
type IDFunc func(ctx context.Context, e *Entity) (string, error)

// ValueFunc derives the value of an index from an entity. A composite index
// expects one value per name component as a []any. A nil result, or an
// ErrEntityNotFound error, skips the index.
type ValueFunc func(ctx context.Context, e *Entity) (any, error)

// IndexSpec declares a secondary index.
type IndexSpec struct {
	Name   IndexName `json:"name" yaml:"name"`
	Unique bool      `json:"unique,omitempty" yaml:"unique,omitempty"`

	// TTL in seconds applied to unique entries; -1 persists them.
	TTL int64 `json:"ttl,omitempty" yaml:"ttl,omitempty"`

	Value ValueFunc `json:"-" yaml:"-"`
}

// LinkSpec declares a relationship to another schema.
type LinkSpec struct {
	// Type is HasOne or HasMany.
	Type   string `json:"type" yaml:"type"`
	Target string `json:"target" yaml:"target"`

	// As is the property holding the linked id(s).
	As string `json:"as" yaml:"as"`

	// ForeignKey is the property of the target schema holding the other side.
	ForeignKey string `json:"foreignKey,omitempty" yaml:"foreignKey,omitempty"`

	// Unique is implied by hasOne and rejected on hasMany.
	Unique bool  `json:"unique,omitempty" yaml:"unique,omitempty"`
	TTL    int64 `json:"ttl,omitempty" yaml:"ttl,omitempty"`
}

// OperationSpec selects the properties of an operation schema.
// Nil slices mean "not set", so defaults apply; empty slices are kept.
type OperationSpec struct {
	IncludeProperties []string            `json:"includeProperties,omitempty" yaml:"includeProperties,omitempty"`
	ExcludeProperties []string            `json:"excludeProperties,omitempty" yaml:"excludeProperties,omitempty"`
	ExtraProperties   map[string]Property `json:"extraProperties,omitempty" yaml:"extraProperties,omitempty"`
	Required          []string            `json:"required,omitempty" yaml:"required,omitempty"`
	MinProperties     *int                `json:"minProperties,omitempty" yaml:"minProperties,omitempty"`
}

// IndexName is the ordered attribute list of an index. It decodes from a
// single string or a list; more than one component makes a composite index.
type IndexName []string

// String joins the components with commas.
func (n IndexName) String() string {
	return strings.Join(n, ",")
}

// Composite reports whether the index spans several attributes.
func (n IndexName) Composite() bool {
	return len(n) > 1
}

func (n *IndexName) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*n = IndexName{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("index name must be a string or a list of strings: %w", err)
	}
	*n = list
	return nil
}

func (n IndexName) MarshalJSON() ([]byte, error) {
	if len(n) == 1 {
		return json.Marshal(n[0])
	}
	return json.Marshal([]string(n))
}

func (n *IndexName) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*n = IndexName{node.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*n = list
		return nil
	}
	return fmt.Errorf("line %d: index name must be a string or a list of strings", node.Line)
}

// DecodeSchemasYAML reads a YAML document mapping schema names to specs.
func DecodeSchemasYAML(r io.Reader) (map[string]*SchemaSpec, error) {
	specs := map[string]*SchemaSpec{}
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&specs); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode schemas: %w", err)
	}
	return specs, nil
}

// DecodeSchemasJSON reads a JSON document mapping schema names to specs.
func DecodeSchemasJSON(data []byte) (map[string]*SchemaSpec, error) {
	specs := map[string]*SchemaSpec{}
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("decode schemas: %w", err)
	}
	return specs, nil
}
