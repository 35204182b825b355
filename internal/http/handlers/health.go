package handlers

import (
	"net/http"

	"flowgate/internal/queue"

	"github.com/labstack/echo/v4"
)

// HealthHandler reports liveness and queue depths
type HealthHandler struct {
	q *queue.Queue
}

// NewHealthHandler creates a health handler
func NewHealthHandler(q *queue.Queue) *HealthHandler {
	return &HealthHandler{q: q}
}

// Health returns liveness plus current queue depths
func (h *HealthHandler) Health(c echo.Context) error {
	depths := map[string]int64{}
	for _, name := range []string{
		queue.QueueInboundMessage,
		queue.QueueStatusUpdate,
		queue.QueueOutboundMessage,
		queue.QueueCampaign,
	} {
		depth, err := h.q.Depth(c.Request().Context(), name)
		if err != nil {
			depth = -1
		}
		depths[name] = depth
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"status": "ok",
		"queues": depths,
	})
}
