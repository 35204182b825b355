package webhook

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"flowgate/internal/queue"
	"flowgate/pkg/models"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// Intake terminates provider webhooks: it verifies the signature, splits the
// batch into per-message and per-status queue items and acknowledges fast.
// All real processing happens on the queue workers.
type Intake struct {
	appSecret   string
	verifyToken string
	q           *queue.Queue
}

// NewIntake creates the webhook intake handler
func NewIntake(appSecret, verifyToken string, q *queue.Queue) *Intake {
	return &Intake{appSecret: appSecret, verifyToken: verifyToken, q: q}
}

// Verify answers the provider's subscription handshake
func (h *Intake) Verify(c echo.Context) error {
	mode := c.QueryParam("hub.mode")
	token := c.QueryParam("hub.verify_token")
	challenge := c.QueryParam("hub.challenge")

	if mode == "subscribe" && token == h.verifyToken {
		return c.String(http.StatusOK, challenge)
	}
	return c.NoContent(http.StatusForbidden)
}

// Receive handles a webhook POST. A bad signature is rejected before
// anything is enqueued; after that the provider always gets a 200 so it
// stops redelivering, even when individual enqueues fail.
func (h *Intake) Receive(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.NoContent(http.StatusBadRequest)
	}

	if !h.validSignature(c.Request().Header.Get("X-Hub-Signature-256"), body) {
		log.Warn().Msg("Webhook rejected: signature mismatch")
		return c.NoContent(http.StatusUnauthorized)
	}

	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		log.Warn().Err(err).Msg("Webhook body is not valid JSON, acknowledging anyway")
		return c.NoContent(http.StatusOK)
	}

	ctx := c.Request().Context()
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			phoneNumberID := change.Value.Metadata.PhoneNumberID
			for _, msg := range change.Value.Messages {
				h.enqueueMessage(ctx, phoneNumberID, msg)
			}
			for _, st := range change.Value.Statuses {
				h.enqueueStatus(ctx, phoneNumberID, st)
			}
		}
	}

	return c.NoContent(http.StatusOK)
}

func (h *Intake) validSignature(header string, body []byte) bool {
	expected, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(Sign(h.appSecret, body)))
}

func (h *Intake) enqueueMessage(ctx context.Context, phoneNumberID string, msg Message) {
	body := ""
	if msg.Text != nil {
		body = msg.Text.Body
	}
	payload, err := json.Marshal(models.InboundMessagePayload{
		PhoneNumberID:     phoneNumberID,
		ProviderMessageID: msg.ID,
		From:              msg.From,
		Type:              msg.Type,
		Body:              body,
		Timestamp:         parseTimestamp(msg.Timestamp),
	})
	if err != nil {
		log.Error().Err(err).Str("provider_message_id", msg.ID).Msg("Failed to marshal inbound payload")
		return
	}

	item := queue.Item{
		Type:    models.ItemInboundMessage,
		Key:     "msg:" + msg.ID,
		Payload: payload,
	}
	if err := h.q.Enqueue(ctx, queue.QueueInboundMessage, item); err != nil && !errors.Is(err, queue.ErrDuplicate) {
		log.Error().Err(err).Str("provider_message_id", msg.ID).Msg("Failed to enqueue inbound message")
	}
}

func (h *Intake) enqueueStatus(ctx context.Context, phoneNumberID string, st StatusUpdate) {
	errorCode := ""
	errorMessage := ""
	if len(st.Errors) > 0 {
		errorCode = strconv.Itoa(st.Errors[0].Code)
		errorMessage = st.Errors[0].Message
		if errorMessage == "" {
			errorMessage = st.Errors[0].Title
		}
	}
	payload, err := json.Marshal(models.StatusUpdatePayload{
		PhoneNumberID:     phoneNumberID,
		ProviderMessageID: st.ID,
		Status:            st.Status,
		Timestamp:         parseTimestamp(st.Timestamp),
		RecipientID:       st.RecipientID,
		ErrorCode:         errorCode,
		ErrorMessage:      errorMessage,
	})
	if err != nil {
		log.Error().Err(err).Str("provider_message_id", st.ID).Msg("Failed to marshal status payload")
		return
	}

	item := queue.Item{
		Type:    models.ItemStatusUpdate,
		Key:     "status:" + st.ID + ":" + st.Status,
		Payload: payload,
	}
	if err := h.q.Enqueue(ctx, queue.QueueStatusUpdate, item); err != nil && !errors.Is(err, queue.ErrDuplicate) {
		log.Error().Err(err).Str("provider_message_id", st.ID).Msg("Failed to enqueue status update")
	}
}

func parseTimestamp(raw string) int64 {
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return ts
}
