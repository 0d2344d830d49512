// Package api exposes the registered entity classes over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/gzip"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jacentio/ohm/store"
)

// NewRouter builds the gin engine serving the entity routes of s.
func NewRouter(s *store.Store, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")

	router := gin.New()

	// Access log in UTC RFC3339, panics logged with their stack.
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(gzip.Gzip(gzip.DefaultCompression))

	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "online")
	})

	h := &handlers{store: s, logger: logger}
	api := router.Group("/api")
	{
		// static segments before :id
		api.GET("/:schema/_find/:index", h.find)
		api.GET("/:schema/_schema/:op", h.schema)

		api.GET("/:schema", h.list)
		api.POST("/:schema", h.create)
		api.GET("/:schema/:id", h.get)
		api.PUT("/:schema/:id", h.update)
		api.DELETE("/:schema/:id", h.delete)
	}
	return router
}
