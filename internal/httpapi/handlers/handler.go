package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/pixveil/gen-platform/internal/common"
	"github.com/pixveil/gen-platform/internal/generation"
	"github.com/pixveil/gen-platform/internal/httpapi/middleware"
	"github.com/pixveil/gen-platform/internal/resilience"
)

// Dispatcher notifies workers that new work is available. Optional: the
// worker poll loop picks jobs up regardless, a dispatch message just cuts
// the latency.
type Dispatcher interface {
	PublishDispatch(ctx context.Context, jobID string) error
}

// Handler owns the HTTP-facing collaborators. All queue and resilience
// logic lives behind the injected services.
type Handler struct {
	Queue    *generation.Queue
	Exec     *resilience.Executor
	Dispatch Dispatcher
}

func NewHandler(queue *generation.Queue, exec *resilience.Executor, dispatch Dispatcher) *Handler {
	return &Handler{Queue: queue, Exec: exec, Dispatch: dispatch}
}

func (h *Handler) Ping(c *gin.Context) {
	common.Ok(c, gin.H{"pong": true})
}

func userIDFromContext(c *gin.Context) (string, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}
