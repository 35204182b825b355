package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"flowgate/internal/http/middleware"
	"flowgate/internal/queue"
	"flowgate/internal/repo"
	"flowgate/internal/services"
	"flowgate/pkg/models"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// MessageHandler exposes the conversation send API. Sends are asynchronous:
// the message is persisted pending and handed to the outbound queue.
type MessageHandler struct {
	tenantRepo    *repo.TenantRepository
	messageRepo   *repo.MessageRepository
	conversations *services.ConversationService
	q             *queue.Queue
}

// NewMessageHandler creates a message handler
func NewMessageHandler(tenantRepo *repo.TenantRepository, messageRepo *repo.MessageRepository, conversations *services.ConversationService, q *queue.Queue) *MessageHandler {
	return &MessageHandler{tenantRepo: tenantRepo, messageRepo: messageRepo, conversations: conversations, q: q}
}

// SendMessageRequest is the conversation send payload
type SendMessageRequest struct {
	Body        string     `json:"body" validate:"required"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// Send queues a text message into a conversation
func (h *MessageHandler) Send(c echo.Context) error {
	tenantID := middleware.TenantFromContext(c)
	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid conversation id")
	}

	var req SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	tenant, err := h.tenantRepo.GetByID(tenantID)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "tenant not found")
	}

	ctx := c.Request().Context()
	message, err := h.conversations.QueueText(ctx, tenant, conversationID, req.Body, req.ScheduledAt)
	if err != nil {
		if errors.Is(err, services.ErrWindowClosed) {
			return echo.NewHTTPError(http.StatusConflict, "conversation window is closed")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to queue message")
	}

	// Scheduled messages wait for the sweep; immediate ones go straight to
	// the outbound queue
	if req.ScheduledAt == nil {
		payload, err := json.Marshal(models.OutboundSendPayload{TenantID: tenantID, MessageID: message.ID})
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to queue message")
		}
		item := queue.Item{
			Type:    models.ItemOutboundSend,
			Key:     "send:" + message.ID.String(),
			Payload: payload,
		}
		if err := h.q.Enqueue(ctx, queue.QueueOutboundMessage, item); err != nil && !errors.Is(err, queue.ErrDuplicate) {
			log.Error().Err(err).Str("message_id", message.ID.String()).Msg("Failed to enqueue outbound send")
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to queue message")
		}
	}

	return c.JSON(http.StatusAccepted, message)
}

// Get returns a single message
func (h *MessageHandler) Get(c echo.Context) error {
	tenantID := middleware.TenantFromContext(c)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid message id")
	}

	message, err := h.messageRepo.GetByID(tenantID, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "message not found")
	}
	return c.JSON(http.StatusOK, message)
}
