package store_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jacentio/ohm/kv"
	"github.com/jacentio/ohm/store"
)

// --- Test Schemas ---

func nullableString() store.Property {
	return store.Property{"type": []any{"string", "null"}}
}

// testSchemas returns groups and contacts linked both ways, dogs owned by a
// single contact, and a spec without meta that registration ignores.
func testSchemas() map[string]*store.SchemaSpec {
	return map[string]*store.SchemaSpec{
		"group": {
			Title: "Group %s %s",
			Type:  "object",
			Properties: map[string]store.Property{
				"value": {"type": "string"},
			},
			Meta: &store.Meta{
				Indexes: []store.IndexSpec{{Name: store.IndexName{"value"}, Unique: true}},
				Links: []store.LinkSpec{
					{Type: store.HasMany, Target: "contact", As: "contactIds", ForeignKey: "groupIds"},
				},
				Operations: map[string]map[string]*store.OperationSpec{
					store.NamespaceDB: {store.OpNew: {Required: []string{"value"}}},
				},
			},
		},
		"contact": {
			Title: "Contact %s %s",
			Type:  "object",
			Properties: map[string]store.Property{
				"firstname": nullableString(),
				"lastname":  nullableString(),
				"username":  {"type": "string"},
				"password":  {"type": "string"},
				"email":     {"type": "string", "format": "email"},
			},
			Meta: &store.Meta{
				Indexes: []store.IndexSpec{
					{Name: store.IndexName{"email"}, Unique: true},
					{Name: store.IndexName{"lastname"}},
				},
				Links: []store.LinkSpec{
					{Type: store.HasMany, Target: "group", As: "groupIds", ForeignKey: "contactIds"},
					{Type: store.HasMany, Target: "contact", As: "friendIds", ForeignKey: "friendIds"},
					{Type: store.HasOne, Target: "dog", As: "dogId", ForeignKey: "masterId", Unique: true},
				},
				Operations: map[string]map[string]*store.OperationSpec{
					store.NamespaceDB: {
						store.OpNew: {Required: []string{"username", "password", "email"}},
						store.OpGet: {ExcludeProperties: []string{"password"}},
					},
				},
			},
		},
		"dog": {
			Title: "Dog %s %s",
			Type:  "object",
			Properties: map[string]store.Property{
				"value": {"type": "string"},
			},
			Meta: &store.Meta{
				Indexes: []store.IndexSpec{{Name: store.IndexName{"value"}, Unique: true}},
				Links: []store.LinkSpec{
					{Type: store.HasOne, Target: "contact", As: "masterId", ForeignKey: "dogId", Unique: true},
				},
				Operations: map[string]map[string]*store.OperationSpec{
					store.NamespaceDB: {
						store.OpNew: {
							IncludeProperties: []string{"id", "masterId", "value"},
							ExtraProperties: map[string]store.Property{
								"description": {"type": "string"},
							},
							Required: []string{"value"},
						},
					},
				},
			},
		},
		"version": {
			Title: "Version",
			Type:  "object",
			Properties: map[string]store.Property{
				"value": {"type": "string"},
			},
		},
	}
}

// --- Test Setup ---

func newTestStore(t *testing.T, specs map[string]*store.SchemaSpec) (*store.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	logger := zaptest.NewLogger(t)
	client := kv.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), kv.WithLogger(logger))
	s := store.New(client, store.DefaultConfig(), logger)
	t.Cleanup(func() { _ = s.Close() })
	if specs == nil {
		specs = testSchemas()
	}
	require.NoError(t, s.Register(specs))
	return s, mr
}

func class(t *testing.T, s *store.Store, name string) *store.EntityClass {
	t.Helper()
	c, err := s.Class(name)
	require.NoError(t, err)
	return c
}

func save(t *testing.T, s *store.Store, schema string, value map[string]any) *store.Entity {
	t.Helper()
	e := class(t, s, schema).Create(value)
	require.NoError(t, e.Save(context.Background(), nil))
	require.NotEmpty(t, e.ID())
	return e
}

func newContact(name string, extra map[string]any) map[string]any {
	v := map[string]any{
		"firstname": name,
		"lastname":  "Doe",
		"username":  name,
		"password":  "secret",
		"email":     name + "@example.com",
	}
	for k, item := range extra {
		v[k] = item
	}
	return v
}

func members(t *testing.T, mr *miniredis.Miniredis, key string) []string {
	t.Helper()
	if !mr.Exists(key) {
		return nil
	}
	m, err := mr.Members(key)
	require.NoError(t, err)
	return m
}
