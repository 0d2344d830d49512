package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jacentio/ohm/kv"
	"github.com/jacentio/ohm/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func schemas() map[string]*store.SchemaSpec {
	return map[string]*store.SchemaSpec{
		"user": {
			Type: "object",
			Properties: map[string]store.Property{
				"name":  {"type": "string"},
				"email": {"type": "string", "format": "email"},
				"age":   {"type": "integer"},
			},
			Meta: &store.Meta{
				Indexes: []store.IndexSpec{
					{Name: store.IndexName{"email"}, Unique: true},
					{Name: store.IndexName{"name"}},
				},
				Operations: map[string]map[string]*store.OperationSpec{
					store.NamespaceDB: {store.OpNew: {Required: []string{"name", "email"}}},
				},
			},
		},
	}
}

func newRouter(t *testing.T) (*gin.Engine, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	logger := zaptest.NewLogger(t)
	s := store.New(kv.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()})), store.DefaultConfig(), logger)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Register(schemas()))
	return NewRouter(s, logger), mr
}

func do(t *testing.T, r http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 && w.Body.Bytes()[0] == '{' {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func create(t *testing.T, r http.Handler, name, email string) string {
	t.Helper()
	w, out := do(t, r, http.MethodPost, "/api/user", map[string]any{"name": name, "email": email, "age": 30})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id, _ := out["id"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestHealthz(t *testing.T) {
	r, _ := newRouter(t)
	w, _ := do(t, r, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "online", w.Body.String())
}

func TestCreateAndGet(t *testing.T) {
	r, mr := newRouter(t)
	id := create(t, r, "ann", "ann@example.com")

	assert.Equal(t, id, mr.HGet("ohm:user:"+id, "id"))

	w, out := do(t, r, http.MethodGet, "/api/user/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ann", out["name"])
	assert.Equal(t, float64(30), out["age"])
}

func TestCreate_Errors(t *testing.T) {
	r, _ := newRouter(t)
	create(t, r, "ann", "ann@example.com")

	tests := []struct {
		name   string
		path   string
		body   any
		status int
		kind   string
	}{
		{"unknown schema", "/api/nope", map[string]any{"name": "x"}, http.StatusNotFound, "SchemaNotFound"},
		{"missing required", "/api/user", map[string]any{"name": "bob"}, http.StatusBadRequest, "EntityValidation"},
		{"bad email", "/api/user", map[string]any{"name": "bob", "email": "nope"}, http.StatusBadRequest, "EntityValidation"},
		{"taken email", "/api/user", map[string]any{"name": "bob", "email": "ann@example.com"}, http.StatusConflict, "EntityConflict"},
		{"bad ttl", "/api/user?ttl=soon", map[string]any{"name": "bob", "email": "bob@example.com"}, http.StatusBadRequest, "BadRequest"},
		{"not an object", "/api/user", []any{1, 2}, http.StatusBadRequest, "BadRequest"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, out := do(t, r, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.kind, out["error"])
		})
	}
}

func TestCreate_ConflictExtra(t *testing.T) {
	r, _ := newRouter(t)
	create(t, r, "ann", "ann@example.com")

	w, out := do(t, r, http.MethodPost, "/api/user", map[string]any{"name": "bob", "email": "ann@example.com"})
	require.Equal(t, http.StatusConflict, w.Code)
	extra, ok := out["extra"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "user", extra["type"])
	assert.Equal(t, "email", extra["attrName"])
	assert.Equal(t, "ann@example.com", extra["attrValue"])
	assert.Equal(t, `ohm: entity "user" conflict for "email" with value "ann@example.com"`, out["message"])
}

func TestCreate_TTL(t *testing.T) {
	r, mr := newRouter(t)
	w, out := do(t, r, http.MethodPost, "/api/user?ttl=60", map[string]any{"name": "tmp", "email": "tmp@example.com"})
	require.Equal(t, http.StatusCreated, w.Code)

	id := out["id"].(string)
	assert.Greater(t, mr.TTL("ohm:user:"+id).Seconds(), float64(0))
}

func TestUpdate(t *testing.T) {
	r, mr := newRouter(t)
	id := create(t, r, "ann", "ann@example.com")

	w, out := do(t, r, http.MethodPut, "/api/user/"+id, map[string]any{"email": "ann@corp.example.com"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "ann", out["name"])
	assert.Equal(t, "ann@corp.example.com", out["email"])

	assert.False(t, mr.Exists("ohm:idx:user:email:ann@example.com"))
	got, err := mr.Get("ohm:idx:user:email:ann@corp.example.com")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	w, out = do(t, r, http.MethodPut, "/api/user/missing", map[string]any{"name": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "EntityNotFound", out["error"])
}

func TestDelete(t *testing.T) {
	r, mr := newRouter(t)
	id := create(t, r, "ann", "ann@example.com")

	w, _ := do(t, r, http.MethodDelete, "/api/user/"+id, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.False(t, mr.Exists("ohm:user:"+id))

	w, _ = do(t, r, http.MethodDelete, "/api/user/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func decodeList(t *testing.T, w *httptest.ResponseRecorder) []map[string]any {
	t.Helper()
	var out []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestList_Sorted(t *testing.T) {
	r, _ := newRouter(t)
	create(t, r, "cat", "cat@example.com")
	create(t, r, "ann", "ann@example.com")
	create(t, r, "bob", "bob@example.com")

	w, _ := do(t, r, http.MethodGet, "/api/user?sort=name", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decodeList(t, w)
	require.Len(t, list, 3)
	assert.Equal(t, "ann", list[0]["name"])
	assert.Equal(t, "bob", list[1]["name"])
	assert.Equal(t, "cat", list[2]["name"])
}

func TestFind(t *testing.T) {
	r, _ := newRouter(t)
	create(t, r, "ann", "ann@example.com")
	create(t, r, "ann", "ann2@example.com")
	create(t, r, "bob", "bob@example.com")

	w, _ := do(t, r, http.MethodGet, "/api/user/_find/name?value=ann&sort=email", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decodeList(t, w)
	require.Len(t, list, 2)
	assert.Equal(t, "ann2@example.com", list[0]["email"])
	assert.Equal(t, "ann@example.com", list[1]["email"])

	w, _ = do(t, r, http.MethodGet, "/api/user/_find/email?value=bob@example.com", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeList(t, w), 1)

	w, _ = do(t, r, http.MethodGet, "/api/user/_find/name", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSchemaDocument(t *testing.T) {
	r, _ := newRouter(t)

	w, out := do(t, r, http.MethodGet, "/api/user/_schema/new", nil)
	require.Equal(t, http.StatusOK, w.Code)
	props, ok := out["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "email")
	assert.NotContains(t, props, "id")

	w, _ = do(t, r, http.MethodGet, "/api/user/_schema/archive", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind store.Kind
		want int
	}{
		{store.KindSchemaNotFound, http.StatusNotFound},
		{store.KindEntityNotFound, http.StatusNotFound},
		{store.KindEntityConflict, http.StatusConflict},
		{store.KindEntityValidation, http.StatusBadRequest},
		{store.KindUnsupportedOperation, http.StatusNotImplemented},
		{store.KindStore, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.kind))
		})
	}
}

func TestBackendDown(t *testing.T) {
	r, mr := newRouter(t)
	mr.Close()

	w, out := do(t, r, http.MethodGet, "/api/user", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "StoreError", out["error"])
}
