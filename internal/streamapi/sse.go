// Package streamapi exposes the fan-out Hub over Server-Sent Events. This
// is a supplemental, best-effort live view: a client that misses an event
// here must still fall back to the Admission API's read endpoint, since the
// Hub makes no durability guarantee (spec §9 — fan-out is not part of the
// at-least-once delivery path).
package streamapi

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/uniassist/pipeline/internal/fanout"
)

// Handler exposes one live SSE endpoint per session over a *fanout.Hub.
type Handler struct {
	hub *fanout.Hub
}

// NewHandler constructs a Handler over hub.
func NewHandler(hub *fanout.Hub) *Handler {
	return &Handler{hub: hub}
}

// Register wires GET /v1/sessions/:session_id/stream onto r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/v1/sessions/:session_id/stream", h.stream)
}

func (h *Handler) stream(c *gin.Context) {
	sessionID := c.Param("session_id")
	sub := h.hub.Subscribe(sessionID)
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	heartbeat := []byte(": heartbeat\n\n")

	c.Stream(func(w gin.ResponseWriter) bool {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return false
			}
			frame, err := fanout.EncodeSSE(ev)
			if err != nil {
				return true
			}
			_, _ = w.Write(frame)
			return true
		case <-c.Request.Context().Done():
			return false
		case <-time.After(fanout.HeartbeatInterval):
			_, _ = w.Write(heartbeat)
			return true
		}
	})
}
