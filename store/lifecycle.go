package store

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/jacentio/ohm/kv"
)

// Save validates and stores a new entity with its index and link entries.
// An id is generated when the entity has none.
//
// With a nil m the writes are applied atomically and the links are reloaded;
// otherwise they are queued into m.
func (e *Entity) Save(ctx context.Context, m *Multi) error {
	c := e.class
	if err := e.Validate(OpNew); err != nil {
		return err
	}
	if err := e.GenerateID(ctx); err != nil {
		return err
	}
	if err := e.CheckIndexes(ctx); err != nil {
		return err
	}

	local, owned := c.store.createLocalMulti(m)
	if err := e.SaveIndexes(ctx, local); err != nil {
		return err
	}
	if err := e.SaveLinks(ctx, local); err != nil {
		return err
	}
	if err := e.writeRecord(local, false); err != nil {
		return err
	}
	if err := commitLocalMulti(ctx, local, owned); err != nil {
		return err
	}
	c.store.logger.Debug("entity saved", zap.String("type", c.name), zap.String("id", e.ID()))
	return e.finish(ctx, owned)
}

// Update validates the entity and merges it over the stored version.
// Properties absent from the entity keep their stored value; null properties
// are removed. On a conflict the stored version's entries are left in place.
func (e *Entity) Update(ctx context.Context, m *Multi) error {
	c := e.class
	if err := e.Validate(OpSave); err != nil {
		return err
	}
	existing, err := c.Load(ctx, e.ID())
	if err != nil {
		return err
	}

	local, owned := c.store.createLocalMulti(m)
	if err := existing.RemoveLinks(ctx, local); err != nil {
		return err
	}
	if err := existing.RemoveIndexes(ctx, local); err != nil {
		return err
	}
	if err := e.checkIndexes(ctx, existing); err != nil {
		if restoreErr := existing.SaveLinks(ctx, local); restoreErr != nil {
			return restoreErr
		}
		if restoreErr := existing.SaveIndexes(ctx, local); restoreErr != nil {
			return restoreErr
		}
		return err
	}
	if e.TTL == 0 {
		e.TTL = existing.TTL
	}

	for k, v := range existing.Value {
		if _, ok := e.Value[k]; !ok {
			e.Value[k] = v
		}
	}
	if err := e.SaveIndexes(ctx, local); err != nil {
		return err
	}
	if err := e.SaveLinks(ctx, local); err != nil {
		return err
	}
	if err := e.writeRecord(local, true); err != nil {
		return err
	}
	if err := commitLocalMulti(ctx, local, owned); err != nil {
		return err
	}
	c.store.logger.Debug("entity updated", zap.String("type", c.name), zap.String("id", e.ID()))
	return e.finish(ctx, owned)
}

// Delete removes the entity record with its index and link entries.
func (e *Entity) Delete(ctx context.Context, m *Multi) error {
	c := e.class
	id := e.ID()
	if id == "" {
		return entityInvalid(c.name, c.IDName(), nil)
	}

	local, owned := c.store.createLocalMulti(m)
	if err := e.RemoveLinks(ctx, local); err != nil {
		return err
	}
	if err := e.RemoveIndexes(ctx, local); err != nil {
		return err
	}
	if err := local.queue(kv.CmdDel, e.Key()); err != nil {
		return err
	}
	if err := commitLocalMulti(ctx, local, owned); err != nil {
		return err
	}
	c.store.logger.Debug("entity deleted", zap.String("type", c.name), zap.String("id", id))
	return nil
}

// finish reloads the links once the writes are applied and trims the value
// to the "get" view.
func (e *Entity) finish(ctx context.Context, owned bool) error {
	if owned {
		if err := e.LoadLinks(ctx); err != nil {
			return err
		}
	}
	value, err := e.class.filterProperties(e.Value, OpGet)
	if err != nil {
		return err
	}
	e.Value = value
	return nil
}

// writeRecord queues the record write. An update removes null properties of
// hash records instead of storing them.
func (e *Entity) writeRecord(m *Multi, update bool) error {
	c := e.class
	save, err := c.Schema(OpSave)
	if err != nil {
		return err
	}
	view, err := c.filterProperties(e.Value, OpSave)
	if err != nil {
		return err
	}
	for _, link := range c.links {
		delete(view, link.As)
	}
	if !c.isObject {
		delete(view, c.IDName())
	}
	fields, err := encodeFields(save, view)
	if err != nil {
		return entityInvalid(c.name, "", err.Error())
	}

	key := e.Key()
	if !c.isObject {
		value := fields["value"]
		if value == nil {
			return entityInvalid(c.name, "value", nil)
		}
		if err := m.queue(kv.CmdSet, key, *value); err != nil {
			return err
		}
	} else {
		set := make(map[string]string, len(fields))
		var nulls []string
		for name, v := range fields {
			if v == nil {
				nulls = append(nulls, name)
				continue
			}
			set[name] = *v
		}
		if update && len(nulls) > 0 {
			sort.Strings(nulls)
			if err := m.queue(kv.CmdHDel, key, nulls); err != nil {
				return err
			}
		}
		if len(set) > 0 {
			if err := m.queue(kv.CmdHMSet, key, set); err != nil {
				return err
			}
		}
	}
	return queueTTL(m, key, e.TTL)
}

// Update loads the entity stored under the id of value and merges value over it.
func (c *EntityClass) Update(ctx context.Context, value map[string]any, m *Multi) (*Entity, error) {
	e := c.Create(value)
	if err := e.Update(ctx, m); err != nil {
		return nil, err
	}
	return e, nil
}

// Delete loads the entity stored under id and deletes it.
func (c *EntityClass) Delete(ctx context.Context, id string, m *Multi) error {
	e, err := c.Load(ctx, id)
	if err != nil {
		return err
	}
	return e.Delete(ctx, m)
}

// SaveOrUpdate updates the entity when one exists under its id, and saves it
// otherwise. When the save conflicts on a unique index or link, the entity
// holding the entry is updated instead.
func (c *EntityClass) SaveOrUpdate(ctx context.Context, value map[string]any, m *Multi) (*Entity, error) {
	e := c.Create(value)
	local, owned := c.store.createLocalMulti(m)

	var err error
	if e.ID() != "" {
		err = e.Update(ctx, local)
	} else {
		err = entityNotFound(c.name, c.IDName(), nil)
	}
	if errors.Is(err, ErrEntityNotFound) {
		err = e.Save(ctx, local)
		var conflict *Error
		if errors.As(err, &conflict) && conflict.Kind == KindEntityConflict {
			id, findErr := c.FindIDByIndex(ctx, conflict.Extra.AttrName, conflict.Extra.AttrValue)
			if findErr != nil {
				return nil, findErr
			}
			if id != "" {
				e.Value[c.IDName()] = id
				err = e.Update(ctx, local)
			}
		}
	}
	if err != nil {
		return nil, err
	}

	if err := commitLocalMulti(ctx, local, owned); err != nil {
		return nil, err
	}
	if err := e.finish(ctx, owned); err != nil {
		return nil, err
	}
	return e, nil
}
