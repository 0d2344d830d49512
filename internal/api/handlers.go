package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jacentio/ohm/store"
)

type handlers struct {
	store  *store.Store
	logger *zap.Logger
}

// GET /api/:schema?sort=
func (h *handlers) list(c *gin.Context) {
	class, ok := h.class(c)
	if !ok {
		return
	}
	entities, err := class.List(c.Request.Context(), c.Query("sort"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entities)
}

// GET /api/:schema/:id
func (h *handlers) get(c *gin.Context) {
	class, ok := h.class(c)
	if !ok {
		return
	}
	var opts []store.LoadOption
	if c.Query("links") == "false" {
		opts = append(opts, store.SkipLinks())
	}
	e, err := class.Load(c.Request.Context(), c.Param("id"), opts...)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

// POST /api/:schema?ttl=
func (h *handlers) create(c *gin.Context) {
	class, ok := h.class(c)
	if !ok {
		return
	}
	body, ttl, ok := h.body(c)
	if !ok {
		return
	}
	e := class.Create(body)
	e.TTL = ttl
	if err := e.Save(c.Request.Context(), nil); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, e)
}

// PUT /api/:schema/:id?ttl=
func (h *handlers) update(c *gin.Context) {
	class, ok := h.class(c)
	if !ok {
		return
	}
	body, ttl, ok := h.body(c)
	if !ok {
		return
	}
	body[class.IDName()] = c.Param("id")
	e := class.Create(body)
	e.TTL = ttl
	if err := e.Update(c.Request.Context(), nil); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

// DELETE /api/:schema/:id
func (h *handlers) delete(c *gin.Context) {
	class, ok := h.class(c)
	if !ok {
		return
	}
	if err := class.Delete(c.Request.Context(), c.Param("id"), nil); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /api/:schema/_find/:index?value=&sort=
func (h *handlers) find(c *gin.Context) {
	class, ok := h.class(c)
	if !ok {
		return
	}
	value, ok := c.GetQuery("value")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "BadRequest", "message": "missing value"})
		return
	}
	entities, err := class.FindByIndex(c.Request.Context(), c.Param("index"), value, c.Query("sort"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entities)
}

// GET /api/:schema/_schema/:op?namespace=
func (h *handlers) schema(c *gin.Context) {
	ns := c.DefaultQuery("namespace", store.NamespaceDB)
	compiled, err := h.store.Schema(c.Param("schema"), ns, c.Param("op"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, compiled.Document())
}

func (h *handlers) class(c *gin.Context) (*store.EntityClass, bool) {
	class, err := h.store.Class(c.Param("schema"))
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	return class, true
}

// body decodes the JSON object of the request and the optional ttl query.
func (h *handlers) body(c *gin.Context) (map[string]any, int64, bool) {
	var ttl int64
	if raw := c.Query("ttl"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "BadRequest", "message": "invalid ttl"})
			return nil, 0, false
		}
		ttl = n
	}
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil || body == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "BadRequest", "message": "invalid JSON"})
		return nil, 0, false
	}
	return body, ttl, true
}

// fail writes a domain error with its kind and details.
func (h *handlers) fail(c *gin.Context, err error) {
	var domain *store.Error
	if !errors.As(err, &domain) {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "InternalError", "message": err.Error()})
		return
	}
	status := statusFor(domain.Kind)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{
		"error":   domain.Kind.String(),
		"message": domain.Error(),
		"extra":   domain.Extra,
	})
}

func statusFor(kind store.Kind) int {
	switch kind {
	case store.KindSchemaNotFound, store.KindEntityNotFound:
		return http.StatusNotFound
	case store.KindEntityConflict:
		return http.StatusConflict
	case store.KindEntityValidation:
		return http.StatusBadRequest
	case store.KindUnsupportedOperation:
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}
