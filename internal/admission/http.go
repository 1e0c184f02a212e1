package admission

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/uniassist/pipeline/internal/broker"
	"github.com/uniassist/pipeline/internal/db"
	"github.com/uniassist/pipeline/internal/domain"
	"github.com/uniassist/pipeline/internal/outbox"
)

// SubmitEventRequest is the HTTP request body for POST /v1/sessions/:session_id/events.
type SubmitEventRequest struct {
	EventID     string          `json:"event_id" binding:"required"`
	UserID      string          `json:"user_id" binding:"required"`
	TraceID     string          `json:"trace_id,omitempty"`
	Kind        string          `json:"kind" binding:"required"`
	Payload     json.RawMessage `json:"payload" binding:"required"`
	TimestampMs int64           `json:"timestamp_ms" binding:"required"`
}

// EventResponse is returned by both the admit and read endpoints. Admitted
// is only meaningful on the admit response: true when this call produced a
// new Timeline Event, false when it was an idempotent replay of an
// already-admitted event_id.
type EventResponse struct {
	EventID     string `json:"event_id"`
	SessionID   string `json:"session_id"`
	UserID      string `json:"user_id,omitempty"`
	TraceID     string `json:"trace_id,omitempty"`
	Seq         uint64 `json:"seq"`
	Kind        string `json:"kind"`
	Payload     []byte `json:"payload"`
	TimestampMs int64  `json:"timestamp_ms"`
	Admitted    bool   `json:"admitted,omitempty"`
}

// HealthResponse is returned by GET /health, reporting not just database
// connectivity but whether the outbox backlog is reachable and, when a
// broker adapter is wired, whether the broker itself answers.
type HealthResponse struct {
	Status   string                 `json:"status"`
	Message  string                 `json:"message,omitempty"`
	Database *db.HealthStatus       `json:"database,omitempty"`
	Outbox   *outbox.BacklogCounts  `json:"outbox,omitempty"`
	Broker   string                 `json:"broker,omitempty"`
}

// Handler exposes the Admission API as gin handlers.
type Handler struct {
	svc    *Service
	db     *db.Client
	outbox *outbox.Store
	broker *broker.Adapter
}

// NewHandler constructs a Handler. ob and adapter are optional (nil is
// accepted) — the health endpoint simply omits what it can't reach.
func NewHandler(svc *Service, dbClient *db.Client, ob *outbox.Store, adapter *broker.Adapter) *Handler {
	return &Handler{svc: svc, db: dbClient, outbox: ob, broker: adapter}
}

// Register wires the Admission API routes onto r.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/v1/sessions/:session_id/events", h.admit)
	r.GET("/v1/sessions/:session_id/events", h.read)
	r.GET("/health", h.health)
}

func (h *Handler) admit(c *gin.Context) {
	sessionID := c.Param("session_id")

	var req SubmitEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	te, admitted, err := h.svc.Admit(c.Request.Context(), domain.Event{
		EventID:     req.EventID,
		SessionID:   sessionID,
		UserID:      req.UserID,
		TraceID:     req.TraceID,
		Kind:        domain.EventKind(req.Kind),
		Payload:     []byte(req.Payload),
		TimestampMs: req.TimestampMs,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	resp := toEventResponse(te)
	resp.Admitted = admitted
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) read(c *gin.Context) {
	sessionID := c.Param("session_id")

	var afterSeq uint64
	if v := c.Query("after_seq"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid after_seq"})
			return
		}
		afterSeq = parsed
	}

	limit := 100
	if v := c.Query("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	events, err := h.svc.Read(c.Request.Context(), sessionID, afterSeq, limit)
	if err != nil {
		writeError(c, err)
		return
	}

	out := make([]EventResponse, 0, len(events))
	for _, te := range events {
		out = append(out, toEventResponse(te))
	}
	c.JSON(http.StatusOK, gin.H{"events": out})
}

func (h *Handler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "healthy"}
	healthy := true

	if h.db != nil {
		status, err := h.db.Health(ctx)
		if err != nil || status.Status != "healthy" {
			healthy = false
			resp.Message = "database unreachable"
		} else {
			resp.Database = status
		}
	}

	if h.outbox != nil {
		if counts, err := h.outbox.BacklogCounts(ctx); err != nil {
			healthy = false
			if resp.Message == "" {
				resp.Message = "outbox backlog unreachable"
			}
		} else {
			resp.Outbox = &counts
		}
	}

	if h.broker != nil {
		if err := h.broker.Ping(ctx); err != nil {
			healthy = false
			resp.Broker = "unhealthy"
			if resp.Message == "" {
				resp.Message = "broker unreachable"
			}
		} else {
			resp.Broker = "healthy"
		}
	}

	if !healthy {
		resp.Status = "unhealthy"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func writeError(c *gin.Context, err error) {
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Error()})
		return
	}
	if errors.Is(err, domain.ErrConflict) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if errors.Is(err, domain.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	slog.Error("admission: unexpected error", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}

func toEventResponse(te domain.TimelineEvent) EventResponse {
	return EventResponse{
		EventID:     te.EventID,
		SessionID:   te.SessionID,
		UserID:      te.UserID,
		TraceID:     te.TraceID,
		Seq:         te.Seq,
		Kind:        string(te.Kind),
		Payload:     te.Payload,
		TimestampMs: te.TimestampMs,
	}
}
