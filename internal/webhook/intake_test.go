package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"flowgate/internal/queue"
	"flowgate/pkg/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret      = "test-app-secret"
	testVerifyToken = "test-verify-token"
)

func newTestIntake(t *testing.T) (*Intake, *queue.Queue) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	q := queue.New(rdb)
	return NewIntake(testSecret, testVerifyToken, q), q
}

func postWebhook(t *testing.T, h *Intake, body, signature string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	rec := httptest.NewRecorder()
	require.NoError(t, h.Receive(e.NewContext(req, rec)))
	return rec
}

func messageBatch(messages, statuses string) string {
	return `{
		"object": "whatsapp_business_account",
		"entry": [{
			"id": "entry-1",
			"changes": [{
				"field": "messages",
				"value": {
					"messaging_product": "whatsapp",
					"metadata": {"display_phone_number": "15550001111", "phone_number_id": "pn-123"},
					"messages": [` + messages + `],
					"statuses": [` + statuses + `]
				}
			}]
		}]
	}`
}

func TestReceiveRejectsBadSignature(t *testing.T) {
	h, q := newTestIntake(t)
	body := messageBatch(`{"id": "wamid.1", "from": "5511999990000", "timestamp": "1756600000", "type": "text", "text": {"body": "hi"}}`, "")

	rec := postWebhook(t, h, body, "sha256=deadbeef")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postWebhook(t, h, body, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	depth, err := q.Depth(context.Background(), queue.QueueInboundMessage)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestReceiveEnqueuesMessages(t *testing.T) {
	h, q := newTestIntake(t)
	body := messageBatch(`{"id": "wamid.1", "from": "5511999990000", "timestamp": "1756600000", "type": "text", "text": {"body": "hello there"}}`, "")

	rec := postWebhook(t, h, body, "sha256="+Sign(testSecret, []byte(body)))
	assert.Equal(t, http.StatusOK, rec.Code)

	item, err := q.Dequeue(context.Background(), queue.QueueInboundMessage)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, models.ItemInboundMessage, item.Type)
	assert.Equal(t, "msg:wamid.1", item.Key)

	var payload models.InboundMessagePayload
	require.NoError(t, json.Unmarshal(item.Payload, &payload))
	assert.Equal(t, "pn-123", payload.PhoneNumberID)
	assert.Equal(t, "wamid.1", payload.ProviderMessageID)
	assert.Equal(t, "5511999990000", payload.From)
	assert.Equal(t, "hello there", payload.Body)
	assert.Equal(t, int64(1756600000), payload.Timestamp)
}

func TestReceiveEnqueuesStatuses(t *testing.T) {
	h, q := newTestIntake(t)
	body := messageBatch("", `{"id": "wamid.2", "status": "failed", "timestamp": "1756600010", "recipient_id": "5511999990000", "errors": [{"code": 131047, "title": "Re-engagement message", "message": "message outside window"}]}`)

	rec := postWebhook(t, h, body, "sha256="+Sign(testSecret, []byte(body)))
	assert.Equal(t, http.StatusOK, rec.Code)

	item, err := q.Dequeue(context.Background(), queue.QueueStatusUpdate)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, models.ItemStatusUpdate, item.Type)
	assert.Equal(t, "status:wamid.2:failed", item.Key)

	var payload models.StatusUpdatePayload
	require.NoError(t, json.Unmarshal(item.Payload, &payload))
	assert.Equal(t, "failed", payload.Status)
	assert.Equal(t, "131047", payload.ErrorCode)
	assert.Equal(t, "message outside window", payload.ErrorMessage)
}

func TestReceiveAcknowledgesRedelivery(t *testing.T) {
	h, q := newTestIntake(t)
	body := messageBatch(`{"id": "wamid.3", "from": "5511999990000", "timestamp": "1756600000", "type": "text", "text": {"body": "hi"}}`, "")
	sig := "sha256=" + Sign(testSecret, []byte(body))

	assert.Equal(t, http.StatusOK, postWebhook(t, h, body, sig).Code)
	assert.Equal(t, http.StatusOK, postWebhook(t, h, body, sig).Code)

	depth, err := q.Depth(context.Background(), queue.QueueInboundMessage)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestReceiveAcknowledgesMalformedJSON(t *testing.T) {
	h, q := newTestIntake(t)
	body := `{"object": "whatsapp_business_account", "entry": [` // truncated

	rec := postWebhook(t, h, body, "sha256="+Sign(testSecret, []byte(body)))
	assert.Equal(t, http.StatusOK, rec.Code)

	depth, err := q.Depth(context.Background(), queue.QueueInboundMessage)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestVerifyHandshake(t *testing.T) {
	h, _ := newTestIntake(t)
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token="+testVerifyToken+"&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	require.NoError(t, h.Verify(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "12345", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	rec = httptest.NewRecorder()
	require.NoError(t, h.Verify(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
