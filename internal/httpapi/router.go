package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pixveil/gen-platform/internal/common"
	"github.com/pixveil/gen-platform/internal/config"
	"github.com/pixveil/gen-platform/internal/generation"
	"github.com/pixveil/gen-platform/internal/httpapi/handlers"
	"github.com/pixveil/gen-platform/internal/httpapi/middleware"
	"github.com/pixveil/gen-platform/internal/resilience"
)

func NewRouter(queue *generation.Queue, exec *resilience.Executor, dispatch handlers.Dispatcher, cfg config.Config) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	h := handlers.NewHandler(queue, exec, dispatch)

	r.GET("/ping", h.Ping)
	r.GET("/health", h.Health)
	r.GET("/metrics/queue", h.QueueMetrics)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.POST("/generations", h.CreateGeneration)
	authGroup.GET("/generations", h.ListGenerations)
	authGroup.GET("/generations/:id", h.GetGeneration)
	authGroup.DELETE("/generations/:id", h.CancelGeneration)
	return r
}
