package store

import (
	"context"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/jacentio/ohm/internal/keys"
	"github.com/jacentio/ohm/kv"
)

// Entity is one record of an entity class.
type Entity struct {
	class *EntityClass

	// Value holds the entity properties.
	Value map[string]any

	// TTL is the record lifetime in seconds applied on save and update.
	// Load sets it to the remaining lifetime, zero when the record does not
	// expire. On update zero keeps the stored expiry; -1 removes it.
	TTL int64
}

// Class returns the entity class.
func (e *Entity) Class() *EntityClass { return e.class }

// Type returns the schema name.
func (e *Entity) Type() string { return e.class.name }

// ID returns the id property, or "" when unset.
func (e *Entity) ID() string {
	return keys.FormatValue(e.Value[e.class.IDName()])
}

// Key returns the key of the entity record.
func (e *Entity) Key() string {
	return e.class.RecordKey(e.ID())
}

// MarshalJSON encodes the entity value as a JSON object.
func (e *Entity) MarshalJSON() ([]byte, error) {
	if e.Value == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(e.Value)
}

// SetDefaults applies the property defaults of an operation schema to data
// for every property absent from it. Function defaults are called with data.
func (c *EntityClass) SetDefaults(data map[string]any, op string) error {
	schema, err := c.Schema(op)
	if err != nil {
		return err
	}
	for _, name := range schema.PropertyNames() {
		if _, ok := data[name]; ok {
			continue
		}
		def, ok := schema.Properties[name]["default"]
		if !ok {
			continue
		}
		switch fn := def.(type) {
		case DefaultFunc:
			data[name] = fn(data)
		case func(map[string]any) any:
			data[name] = fn(data)
		default:
			data[name] = deepCopy(def)
		}
	}
	return nil
}

// filterProperties applies the defaults of op to data, then returns the
// properties the op schema declares.
func (c *EntityClass) filterProperties(data map[string]any, op string) (map[string]any, error) {
	if err := c.SetDefaults(data, op); err != nil {
		return nil, err
	}
	schema, err := c.Schema(op)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(schema.Properties))
	for name := range schema.Properties {
		if v, ok := data[name]; ok {
			out[name] = v
		}
	}
	return out, nil
}

// Validate applies the defaults of op and checks the entity against the op
// schema.
func (e *Entity) Validate(op string) error {
	schema, err := e.class.Schema(op)
	if err != nil {
		return err
	}
	if err := e.class.SetDefaults(e.Value, op); err != nil {
		return err
	}
	found, err := schema.Validate(e.Value)
	if err != nil {
		return entityInvalid(e.Type(), "", err.Error())
	}
	if len(found) > 0 {
		return schemaInvalid(e.Type(), found)
	}
	return nil
}

// LoadOption tunes Load.
type LoadOption func(*loadOptions)

type loadOptions struct {
	skipLinks bool
}

// SkipLinks leaves link properties unpopulated.
func SkipLinks() LoadOption {
	return func(o *loadOptions) { o.skipLinks = true }
}

// Load reads the entity stored under id. Link properties are populated from
// the reverse entries unless SkipLinks is given.
func (c *EntityClass) Load(ctx context.Context, id string, opts ...LoadOption) (*Entity, error) {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}
	if id == "" {
		return nil, entityNotFound(c.name, c.IDName(), nil)
	}

	key := c.RecordKey(id)
	raw, ttl, err := c.readRecord(ctx, key, id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, entityNotFound(c.name, c.IDName(), id)
	}

	get, err := c.Schema(OpGet)
	if err != nil {
		return nil, err
	}
	value, err := decodeFields(get, raw)
	if err != nil {
		return nil, storeError(err)
	}
	e := c.Create(value)
	e.Value[c.IDName()] = id
	e.TTL = ttl

	if !o.skipLinks {
		if err := e.LoadLinks(ctx); err != nil {
			return nil, err
		}
	}
	if e.Value, err = c.filterProperties(e.Value, OpGet); err != nil {
		return nil, err
	}
	c.store.logger.Debug("entity loaded", zap.String("type", c.name), zap.String("id", id))
	return e, nil
}

// readRecord returns the raw fields of a record with its remaining ttl, or
// nil when it is missing. Scalar records come back as the "value" field.
func (c *EntityClass) readRecord(ctx context.Context, key, id string) (map[string]string, int64, error) {
	var fields map[string]string
	if c.isObject {
		reply, err := c.store.exec(ctx, kv.CmdHGetAll, key)
		if err != nil {
			return nil, 0, err
		}
		if fields, err = kv.StringMap(reply); err != nil {
			return nil, 0, storeError(err)
		}
		if len(fields) == 0 {
			return nil, 0, nil
		}
	} else {
		reply, err := c.store.exec(ctx, kv.CmdGet, key)
		if err != nil {
			return nil, 0, err
		}
		s, ok, err := kv.String(reply)
		if err != nil {
			return nil, 0, storeError(err)
		}
		if !ok {
			return nil, 0, nil
		}
		fields = map[string]string{c.IDName(): id, "value": s}
	}

	reply, err := c.store.exec(ctx, kv.CmdTTL, key)
	if err != nil {
		return nil, 0, err
	}
	ttl, err := kv.Int(reply)
	if err != nil {
		return nil, 0, storeError(err)
	}
	if ttl < 0 {
		ttl = 0
	}
	return fields, ttl, nil
}

// Decode rebuilds an entity from raw record fields, as found in a store
// snapshot. Scalar records pass their content as the "value" field.
func (c *EntityClass) Decode(id string, raw map[string]string) (*Entity, error) {
	save, err := c.Schema(OpSave)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]string, len(raw)+1)
	if c.isObject {
		for k, v := range raw {
			fields[k] = v
		}
	} else if v, ok := raw["value"]; ok {
		fields["value"] = v
	}
	fields[c.IDName()] = id
	value, err := decodeFields(save, fields)
	if err != nil {
		return nil, err
	}
	return c.Create(value), nil
}
