package store

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/jacentio/ohm/internal/keys"
	"github.com/jacentio/ohm/kv"
)

// indexFunc receives an index with the values filling its key slots.
type indexFunc func(idx *IndexDescriptor, values []any) error

// eachIndex calls fn for every index the entity has a complete value for.
func (e *Entity) eachIndex(ctx context.Context, fn indexFunc) error {
	for _, idx := range e.class.indexes {
		values, ok, err := e.indexValues(ctx, idx)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := fn(idx, values); err != nil {
			return err
		}
	}
	return nil
}

func (e *Entity) indexValues(ctx context.Context, idx *IndexDescriptor) ([]any, bool, error) {
	if idx.Value == nil {
		values := make([]any, len(idx.Name))
		for i, name := range idx.Name {
			values[i] = e.Value[name]
		}
		return values, complete(values), nil
	}

	v, err := idx.Value(ctx, e)
	if errors.Is(err, ErrEntityNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	values := []any{v}
	if idx.Name.Composite() {
		values = toList(v)
		if len(values) != len(idx.Name) {
			return nil, false, nil
		}
	}
	return values, complete(values), nil
}

func complete(values []any) bool {
	if len(values) == 0 {
		return false
	}
	for _, v := range values {
		if isEmpty(v) {
			return false
		}
	}
	return true
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []any:
		return len(x) == 0
	case []string:
		return len(x) == 0
	}
	return false
}

// indexAttrValue renders the values of an index the way conflicts report them.
func indexAttrValue(idx *IndexDescriptor, values []any) any {
	if !idx.Name.Composite() {
		return values[0]
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = keys.FormatValue(v)
	}
	return strings.Join(parts, ",")
}

// linkFunc receives one linked value with its forward key and, when the
// target declares the matching link, the reverse key of this entity.
type linkFunc func(link *LinkDescriptor, value any, key, reverseKey string) error

func (e *Entity) eachLink(fn linkFunc) error {
	id := e.ID()
	for _, link := range e.class.links {
		for _, v := range toList(e.Value[link.As]) {
			if isEmpty(v) {
				continue
			}
			var reverseKey string
			if !link.ReverseKey.IsZero() {
				reverseKey = link.ReverseKey.Format(id)
			}
			if err := fn(link, v, link.Key.Format(v), reverseKey); err != nil {
				return err
			}
		}
	}
	return nil
}

func toList(v any) []any {
	switch x := v.(type) {
	case nil:
		return nil
	case []any:
		return x
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	}
	return []any{v}
}

// CheckIndexes returns an EntityConflict error when a unique index or link
// entry is held by another entity.
func (e *Entity) CheckIndexes(ctx context.Context) error {
	return e.checkIndexes(ctx, nil)
}

// checkIndexes ignores reverse link entries still pointing at the links of
// previous, the stored version of the entity being updated.
func (e *Entity) checkIndexes(ctx context.Context, previous *Entity) error {
	id := e.ID()
	err := e.eachIndex(ctx, func(idx *IndexDescriptor, values []any) error {
		if !idx.Unique {
			return nil
		}
		owner, ok, err := e.class.store.getString(ctx, idx.Key.Format(values...))
		if err != nil {
			return err
		}
		if ok && owner != id {
			return entityConflict(e.Type(), idx.Name.String(), indexAttrValue(idx, values))
		}
		return nil
	})
	if err != nil {
		return err
	}

	return e.eachLink(func(link *LinkDescriptor, v any, key, reverseKey string) error {
		if link.ReverseUnique {
			owner, ok, err := e.class.store.getString(ctx, key)
			if err != nil {
				return err
			}
			if ok && owner != id {
				return entityConflict(e.Type(), link.As, v)
			}
		}
		if link.Unique && reverseKey != "" {
			held, ok, err := e.class.store.getString(ctx, reverseKey)
			if err != nil {
				return err
			}
			if ok && held != keys.FormatValue(v) && !previous.links(link.As, held) {
				return entityConflict(e.Type(), link.As, v)
			}
		}
		return nil
	})
}

// links reports whether the entity links to id through as.
func (e *Entity) links(as, id string) bool {
	if e == nil {
		return false
	}
	for _, v := range toList(e.Value[as]) {
		if keys.FormatValue(v) == id {
			return true
		}
	}
	return false
}

func (s *Store) getString(ctx context.Context, key string) (string, bool, error) {
	reply, err := s.exec(ctx, kv.CmdGet, key)
	if err != nil {
		return "", false, err
	}
	v, ok, err := kv.String(reply)
	if err != nil {
		return "", false, storeError(err)
	}
	return v, ok, nil
}

// queueTTL queues the expiry of key: -1 persists it, positive values expire it.
func queueTTL(m *Multi, key string, ttl int64) error {
	switch {
	case ttl == -1:
		return m.queue(kv.CmdPersist, key)
	case ttl > 0:
		return m.queue(kv.CmdExpire, key, ttl)
	}
	return nil
}

// SaveIndexes queues the index entries of the entity.
func (e *Entity) SaveIndexes(ctx context.Context, m *Multi) error {
	local, owned := e.class.store.createLocalMulti(m)
	id := e.ID()
	err := e.eachIndex(ctx, func(idx *IndexDescriptor, values []any) error {
		key := idx.Key.Format(values...)
		if !idx.Unique {
			return local.queue(kv.CmdSAdd, key, id)
		}
		if err := local.queue(kv.CmdSet, key, id); err != nil {
			return err
		}
		ttl := e.TTL
		if ttl == 0 {
			ttl = idx.TTL
		}
		return queueTTL(local, key, ttl)
	})
	if err != nil {
		return err
	}
	return commitLocalMulti(ctx, local, owned)
}

// RemoveIndexes queues the removal of the index entries of the entity.
func (e *Entity) RemoveIndexes(ctx context.Context, m *Multi) error {
	local, owned := e.class.store.createLocalMulti(m)
	id := e.ID()
	err := e.eachIndex(ctx, func(idx *IndexDescriptor, values []any) error {
		key := idx.Key.Format(values...)
		if idx.Unique {
			return local.queue(kv.CmdDel, key)
		}
		return local.queue(kv.CmdSRem, key, id)
	})
	if err != nil {
		return err
	}
	return commitLocalMulti(ctx, local, owned)
}

// SaveLinks queues the forward and reverse entries of every link value.
func (e *Entity) SaveLinks(ctx context.Context, m *Multi) error {
	local, owned := e.class.store.createLocalMulti(m)
	id := e.ID()
	err := e.eachLink(func(link *LinkDescriptor, v any, key, reverseKey string) error {
		if link.ReverseUnique {
			if err := local.queue(kv.CmdSet, key, id); err != nil {
				return err
			}
			if err := queueTTL(local, key, linkTTL(e, link)); err != nil {
				return err
			}
		} else if err := local.queue(kv.CmdSAdd, key, id); err != nil {
			return err
		}

		if reverseKey == "" {
			return nil
		}
		value := keys.FormatValue(v)
		if link.Unique {
			if err := local.queue(kv.CmdSet, reverseKey, value); err != nil {
				return err
			}
			return queueTTL(local, reverseKey, linkTTL(e, link))
		}
		return local.queue(kv.CmdSAdd, reverseKey, value)
	})
	if err != nil {
		return err
	}
	return commitLocalMulti(ctx, local, owned)
}

func linkTTL(e *Entity, link *LinkDescriptor) int64 {
	if e.TTL != 0 {
		return e.TTL
	}
	return link.TTL
}

// RemoveLinks queues the removal of the forward and reverse entries of every
// link value.
func (e *Entity) RemoveLinks(ctx context.Context, m *Multi) error {
	local, owned := e.class.store.createLocalMulti(m)
	id := e.ID()
	err := e.eachLink(func(link *LinkDescriptor, v any, key, reverseKey string) error {
		if link.ReverseUnique {
			if err := local.queue(kv.CmdDel, key); err != nil {
				return err
			}
		} else if err := local.queue(kv.CmdSRem, key, id); err != nil {
			return err
		}

		if reverseKey == "" {
			return nil
		}
		if link.Unique {
			return local.queue(kv.CmdDel, reverseKey)
		}
		return local.queue(kv.CmdSRem, reverseKey, keys.FormatValue(v))
	})
	if err != nil {
		return err
	}
	return commitLocalMulti(ctx, local, owned)
}

// LoadLinks populates the link properties from the reverse entries. Links
// whose target declares no matching link are left untouched.
func (e *Entity) LoadLinks(ctx context.Context) error {
	id := e.ID()
	s := e.class.store
	for _, link := range e.class.links {
		if link.ReverseKey.IsZero() {
			continue
		}
		key := link.ReverseKey.Format(id)
		if link.Unique {
			v, ok, err := s.getString(ctx, key)
			if err != nil {
				return err
			}
			if ok {
				e.Value[link.As] = v
			} else {
				e.Value[link.As] = nil
			}
			continue
		}
		reply, err := s.exec(ctx, kv.CmdSMembers, key)
		if err != nil {
			return err
		}
		members, err := kv.Strings(reply)
		if err != nil {
			return storeError(err)
		}
		sort.Strings(members)
		list := make([]any, len(members))
		for i, m := range members {
			list[i] = m
		}
		e.Value[link.As] = list
	}
	return nil
}
