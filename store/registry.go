package store

import (
	"fmt"
	"sort"

	"github.com/jacentio/ohm/internal/keys"
)

// IndexDescriptor is a compiled secondary index.
type IndexDescriptor struct {
	// Name is the attribute list the index is declared on.
	Name IndexName

	Unique bool

	// Key renders "<prefix>:<idx>:<schema>:<name...>:<value...>".
	Key keys.Template

	// Value derives the indexed value; nil reads the named attributes.
	Value ValueFunc

	TTL int64
}

// LinkDescriptor is a compiled relationship.
type LinkDescriptor struct {
	// As is the property holding the linked id(s).
	As string

	Type   string
	Target string

	// Unique is true for hasOne links: the reverse entry holds a single value.
	Unique bool

	// Key renders "<prefix>:<idx>:<schema>:<as>:<target id>"; it lists the
	// entities of this schema pointing to a target id.
	Key keys.Template

	// ReverseKey is the Key of the matching link declared by the target
	// schema; zero when the target declares none.
	ReverseKey keys.Template

	// ReverseUnique is true when the matching link is a hasOne.
	ReverseUnique bool

	TTL int64
}

// EntityClass binds a compiled schema to the store. It is immutable and
// safe for concurrent use.
type EntityClass struct {
	store    *Store
	name     string
	set      *schemaSet
	isObject bool

	indexes     []*IndexDescriptor
	indexByName map[string]*IndexDescriptor
	links       []*LinkDescriptor
	linkByName  map[string]*LinkDescriptor
}

func newEntityClass(s *Store, set *schemaSet, sets map[string]*schemaSet) (*EntityClass, error) {
	cfg := s.config
	meta := set.spec.Meta
	c := &EntityClass{
		store:       s,
		name:        set.name,
		set:         set,
		indexByName: make(map[string]*IndexDescriptor, len(meta.Indexes)),
		linkByName:  make(map[string]*LinkDescriptor, len(meta.Links)),
	}

	for _, spec := range meta.Indexes {
		if len(spec.Name) == 0 {
			return nil, fmt.Errorf("schema %q: index without a name", set.name)
		}
		idx := &IndexDescriptor{
			Name:   spec.Name,
			Unique: spec.Unique,
			Key:    keys.NewTemplate(cfg.Prefix, cfg.IdxPrefix, set.name, spec.Name...),
			Value:  spec.Value,
			TTL:    spec.TTL,
		}
		c.indexes = append(c.indexes, idx)
		c.indexByName[spec.Name.String()] = idx
	}

	for _, spec := range meta.Links {
		if spec.As == "" || spec.Target == "" {
			return nil, fmt.Errorf("schema %q: link needs a target and an alias", set.name)
		}
		if spec.Type != HasOne && spec.Type != HasMany {
			return nil, fmt.Errorf("schema %q: link %q has unknown type %q", set.name, spec.As, spec.Type)
		}
		if spec.Unique && spec.Type == HasMany {
			return nil, fmt.Errorf("schema %q: hasMany link %q cannot be unique", set.name, spec.As)
		}
		link := &LinkDescriptor{
			As:     spec.As,
			Type:   spec.Type,
			Target: spec.Target,
			Unique: spec.Type == HasOne,
			Key:    keys.NewTemplate(cfg.Prefix, cfg.IdxPrefix, set.name, spec.As),
			TTL:    spec.TTL,
		}
		if reverse, ok := reverseLink(sets[spec.Target], set.name, spec.As); ok {
			link.ReverseKey = keys.NewTemplate(cfg.Prefix, cfg.IdxPrefix, spec.Target, reverse.As)
			link.ReverseUnique = reverse.Type == HasOne
		}
		c.links = append(c.links, link)
		c.linkByName[spec.As] = link
	}

	c.isObject = computeIsObject(set)
	return c, nil
}

// reverseLink finds the link of target pointing back at schema through as.
func reverseLink(target *schemaSet, schema, as string) (LinkSpec, bool) {
	if target == nil {
		return LinkSpec{}, false
	}
	for _, l := range target.spec.Meta.Links {
		if l.Target == schema && l.ForeignKey == as {
			return l, true
		}
	}
	return LinkSpec{}, false
}

// computeIsObject reports whether records are hashes. A schema whose only
// stored property besides the id and the links is "value" is a scalar.
func computeIsObject(set *schemaSet) bool {
	save, ok := set.operation(NamespaceDB, OpSave)
	if !ok {
		return true
	}
	links := map[string]bool{}
	for _, l := range set.spec.Meta.Links {
		links[l.As] = true
	}
	var data []string
	for name := range save.Properties {
		if name == set.idName || links[name] {
			continue
		}
		data = append(data, name)
	}
	sort.Strings(data)
	return !(len(data) == 1 && data[0] == "value")
}

// Name returns the schema name.
func (c *EntityClass) Name() string { return c.name }

// IDName returns the id property name.
func (c *EntityClass) IDName() string { return c.set.idName }

// IsObject reports whether records are stored as hashes rather than strings.
func (c *EntityClass) IsObject() bool { return c.isObject }

// Spec returns the main compiled schema.
func (c *EntityClass) Spec() *SchemaSpec { return c.set.spec }

// Indexes returns the index descriptors in declaration order.
func (c *EntityClass) Indexes() []*IndexDescriptor { return c.indexes }

// Links returns the link descriptors in declaration order.
func (c *EntityClass) Links() []*LinkDescriptor { return c.links }

// Index returns the index declared on name ("a,b" for composites).
func (c *EntityClass) Index(name string) (*IndexDescriptor, bool) {
	idx, ok := c.indexByName[name]
	return idx, ok
}

// Link returns the link stored under the property as.
func (c *EntityClass) Link(as string) (*LinkDescriptor, bool) {
	l, ok := c.linkByName[as]
	return l, ok
}

// Schema returns the compiled "db" schema of an operation.
func (c *EntityClass) Schema(op string) (*CompiledSchema, error) {
	compiled, ok := c.set.operation(NamespaceDB, op)
	if !ok {
		return nil, schemaNotFound(c.name, NamespaceDB, op)
	}
	return compiled, nil
}

// RecordKey returns the key of the record with the given id.
func (c *EntityClass) RecordKey(id string) string {
	return keys.Record(c.store.config.Prefix, c.name, id)
}

// Create wraps value in an entity of this class without touching the store.
// The map is copied; nested values are shared.
func (c *EntityClass) Create(value map[string]any) *Entity {
	v := make(map[string]any, len(value))
	for k, item := range value {
		v[k] = item
	}
	return &Entity{class: c, Value: v}
}
