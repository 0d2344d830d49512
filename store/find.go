package store

import (
	"context"
	"errors"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/jacentio/ohm/internal/keys"
	"github.com/jacentio/ohm/kv"
)

// FindIdsByIndex returns the ids stored under value for the named index,
// falling back to the link stored under name. Unknown names find nothing.
// Composite index values are given as a list or as a comma-joined string.
func (c *EntityClass) FindIdsByIndex(ctx context.Context, name string, value any) ([]string, error) {
	if idx, ok := c.indexByName[name]; ok {
		return c.findIDs(ctx, idx.Key.Format(indexArgs(idx, value)...), idx.Unique)
	}
	if link, ok := c.linkByName[name]; ok {
		return c.findIDs(ctx, link.Key.Format(value), link.ReverseUnique)
	}
	return []string{}, nil
}

// FindIDByIndex returns the first id found by FindIdsByIndex, or "".
func (c *EntityClass) FindIDByIndex(ctx context.Context, name string, value any) (string, error) {
	ids, err := c.FindIdsByIndex(ctx, name, value)
	if err != nil || len(ids) == 0 {
		return "", err
	}
	return ids[0], nil
}

func (c *EntityClass) findIDs(ctx context.Context, key string, unique bool) ([]string, error) {
	if unique {
		id, ok, err := c.store.getString(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return []string{}, nil
		}
		return []string{id}, nil
	}
	reply, err := c.store.exec(ctx, kv.CmdSMembers, key)
	if err != nil {
		return nil, err
	}
	ids, err := kv.Strings(reply)
	if err != nil {
		return nil, storeError(err)
	}
	if ids == nil {
		ids = []string{}
	}
	sort.Strings(ids)
	return ids, nil
}

func indexArgs(idx *IndexDescriptor, value any) []any {
	if !idx.Name.Composite() {
		return []any{value}
	}
	if s, ok := value.(string); ok {
		parts := strings.Split(s, ",")
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = p
		}
		return out
	}
	return toList(value)
}

// FindByIndex loads the entities found by FindIdsByIndex, sorted by the
// dotted property path sortBy when given. Ids whose record is gone are skipped.
func (c *EntityClass) FindByIndex(ctx context.Context, name string, value any, sortBy string) ([]*Entity, error) {
	ids, err := c.FindIdsByIndex(ctx, name, value)
	if err != nil {
		return nil, err
	}
	return c.loadAll(ctx, ids, sortBy)
}

// List loads every entity of the class, sorted by sortBy when given.
func (c *EntityClass) List(ctx context.Context, sortBy string) ([]*Entity, error) {
	cfg := c.store.config
	reply, err := c.store.exec(ctx, kv.CmdKeys, keys.RecordPattern(cfg.Prefix, c.name))
	if err != nil {
		return nil, err
	}
	found, err := kv.Strings(reply)
	if err != nil {
		return nil, storeError(err)
	}
	ids := make([]string, 0, len(found))
	for _, key := range found {
		schema, id, ok := keys.ParseRecord(cfg.Prefix, key)
		if ok && schema == c.name {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return c.loadAll(ctx, ids, sortBy)
}

func (c *EntityClass) loadAll(ctx context.Context, ids []string, sortBy string) ([]*Entity, error) {
	loaded := make([]*Entity, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.store.config.LoadConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			e, err := c.Load(gctx, id)
			if errors.Is(err, ErrEntityNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			loaded[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	entities := make([]*Entity, 0, len(ids))
	for _, e := range loaded {
		if e != nil {
			entities = append(entities, e)
		}
	}
	if sortBy != "" {
		SortEntities(entities, sortBy)
	}
	return entities, nil
}

// SortEntities sorts entities by the value at a dotted property path.
// Missing values sort last; the sort is stable.
func SortEntities(entities []*Entity, path string) {
	sort.SliceStable(entities, func(i, j int) bool {
		return compareValues(lookup(entities[i].Value, path), lookup(entities[j].Value, path)) < 0
	})
}

func lookup(value map[string]any, path string) any {
	var cur any = value
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	if aok && bok {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	return strings.Compare(keys.FormatValue(a), keys.FormatValue(b))
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	}
	return 0, false
}
