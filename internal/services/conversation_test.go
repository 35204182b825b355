package services

import (
	"context"
	"testing"
	"time"

	"flowgate/internal/repo"
	"flowgate/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inboundPayload(tenant *models.Tenant, providerID, from, body string) models.InboundMessagePayload {
	return models.InboundMessagePayload{
		PhoneNumberID:     tenant.PhoneNumberID,
		ProviderMessageID: providerID,
		From:              from,
		Type:              "text",
		Body:              body,
		Timestamp:         time.Now().Unix(),
	}
}

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "+5511999999999", NormalizePhone("5511999999999"))
	assert.Equal(t, "+5511999999999", NormalizePhone("+55 11 99999-9999"))
	assert.Equal(t, "+14155552671", NormalizePhone("14155552671"))
}

func TestRegisterInboundCreatesContactConversationMessage(t *testing.T) {
	db := newTestDB(t)
	tenant := seedTenant(t, db, 10)
	svc, _ := newConversationStack(t, db)

	message, conversation, created, err := svc.RegisterInbound(context.Background(), tenant, inboundPayload(tenant, "wamid.1", "5511999999999", "hello"))
	require.NoError(t, err)
	require.NotNil(t, message)
	assert.True(t, created)

	assert.Equal(t, models.DirectionInbound, message.Direction)
	assert.Equal(t, models.MessageStatusDelivered, message.Status)
	require.NotNil(t, message.ProviderMessageID)
	assert.Equal(t, "wamid.1", *message.ProviderMessageID)

	// Inbound traffic opens the 24h window
	var stored models.Conversation
	require.NoError(t, db.First(&stored, "id = ?", conversation.ID).Error)
	require.NotNil(t, stored.WindowExpiresAt)
	assert.True(t, stored.WindowOpen(time.Now()))
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), *stored.WindowExpiresAt, 2*time.Minute)
	assert.Equal(t, 1, stored.UnreadCount)
	assert.Equal(t, "hello", stored.LastMessageBody)
}

func TestRegisterInboundIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	tenant := seedTenant(t, db, 10)
	svc, _ := newConversationStack(t, db)
	ctx := context.Background()

	p := inboundPayload(tenant, "wamid.1", "5511999999999", "hello")
	first, _, _, err := svc.RegisterInbound(ctx, tenant, p)
	require.NoError(t, err)
	require.NotNil(t, first)

	// Same provider message id delivered again
	second, _, _, err := svc.RegisterInbound(ctx, tenant, p)
	require.NoError(t, err)
	assert.Nil(t, second)

	var count int64
	require.NoError(t, db.Model(&models.Message{}).Where("tenant_id = ?", tenant.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestRegisterInboundReusesConversation(t *testing.T) {
	db := newTestDB(t)
	tenant := seedTenant(t, db, 10)
	svc, _ := newConversationStack(t, db)
	ctx := context.Background()

	_, conv1, created1, err := svc.RegisterInbound(ctx, tenant, inboundPayload(tenant, "wamid.1", "5511999999999", "first"))
	require.NoError(t, err)
	assert.True(t, created1)

	_, conv2, created2, err := svc.RegisterInbound(ctx, tenant, inboundPayload(tenant, "wamid.2", "5511999999999", "second"))
	require.NoError(t, err)
	assert.False(t, created2)
	assert.Equal(t, conv1.ID, conv2.ID)
}

func TestSendTextRequiresOpenWindow(t *testing.T) {
	db := newTestDB(t)
	tenant := seedTenant(t, db, 10)
	svc, fp := newConversationStack(t, db)
	contact := seedContact(t, db, tenant.ID, "+5511999999999")
	conversation := seedConversation(t, db, tenant, contact, false)

	_, err := svc.SendText(context.Background(), tenant, conversation.ID, "hi")
	assert.ErrorIs(t, err, ErrWindowClosed)
	assert.Empty(t, fp.sends())
}

func TestSendTextDispatchesWhenWindowOpen(t *testing.T) {
	db := newTestDB(t)
	tenant := seedTenant(t, db, 10)
	svc, fp := newConversationStack(t, db)
	contact := seedContact(t, db, tenant.ID, "+5511999999999")
	conversation := seedConversation(t, db, tenant, contact, true)

	message, err := svc.SendText(context.Background(), tenant, conversation.ID, "hi")
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusSent, message.Status)
	require.NotNil(t, message.ProviderMessageID)
	require.Len(t, fp.sends(), 1)
	assert.Equal(t, "+5511999999999", fp.sends()[0].To)

	// Outbound traffic never advances the window
	var stored models.Conversation
	require.NoError(t, db.First(&stored, "id = ?", conversation.ID).Error)
	assert.WithinDuration(t, *conversation.WindowExpiresAt, *stored.WindowExpiresAt, time.Second)
}

func TestSendTextProviderFailureMarksFailed(t *testing.T) {
	db := newTestDB(t)
	tenant := seedTenant(t, db, 10)
	svc, fp := newConversationStack(t, db)
	fp.failNext = 1
	contact := seedContact(t, db, tenant.ID, "+5511999999999")
	conversation := seedConversation(t, db, tenant, contact, true)

	message, err := svc.SendText(context.Background(), tenant, conversation.ID, "hi")
	require.Error(t, err)
	require.NotNil(t, message)
	assert.Equal(t, models.MessageStatusFailed, message.Status)
	assert.Equal(t, "500", message.ErrorCode)
	assert.NotNil(t, message.FailedAt)
}

func TestSendTemplateIgnoresWindow(t *testing.T) {
	db := newTestDB(t)
	tenant := seedTenant(t, db, 10)
	svc, fp := newConversationStack(t, db)
	contact := seedContact(t, db, tenant.ID, "+5511999999999")
	seedConversation(t, db, tenant, contact, false)

	message, err := svc.SendTemplate(context.Background(), tenant, contact, "welcome", "en", nil)
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusSent, message.Status)
	require.Len(t, fp.sends(), 1)
	assert.Equal(t, "welcome", fp.sends()[0].Template)
}

func TestSendTemplateCreatesConversationLazily(t *testing.T) {
	db := newTestDB(t)
	tenant := seedTenant(t, db, 10)
	svc, _ := newConversationStack(t, db)
	contact := seedContact(t, db, tenant.ID, "+5511999999999")

	message, err := svc.SendTemplate(context.Background(), tenant, contact, "welcome", "en", nil)
	require.NoError(t, err)

	var conversation models.Conversation
	require.NoError(t, db.First(&conversation, "id = ?", message.ConversationID).Error)
	assert.Equal(t, contact.ID, conversation.ContactID)
	// A template send does not open the window
	assert.False(t, conversation.WindowOpen(time.Now()))
}

func TestDispatchPendingFailsClosedWindowText(t *testing.T) {
	db := newTestDB(t)
	tenant := seedTenant(t, db, 10)
	svc, fp := newConversationStack(t, db)
	contact := seedContact(t, db, tenant.ID, "+5511999999999")
	conversation := seedConversation(t, db, tenant, contact, true)

	message, err := svc.QueueText(context.Background(), tenant, conversation.ID, "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusPending, message.Status)

	// Window closes between queueing and dispatch
	expired := time.Now().Add(-time.Minute)
	require.NoError(t, db.Model(&models.Conversation{}).Where("id = ?", conversation.ID).Update("window_expires_at", expired).Error)

	// No error: a closed window is permanent, the queue must not retry
	require.NoError(t, svc.DispatchPending(context.Background(), tenant, message.ID))
	assert.Empty(t, fp.sends())

	var stored models.Message
	require.NoError(t, db.First(&stored, "id = ?", message.ID).Error)
	assert.Equal(t, models.MessageStatusFailed, stored.Status)
}

func TestDispatchPendingSkipsNonPending(t *testing.T) {
	db := newTestDB(t)
	tenant := seedTenant(t, db, 10)
	svc, fp := newConversationStack(t, db)
	contact := seedContact(t, db, tenant.ID, "+5511999999999")
	conversation := seedConversation(t, db, tenant, contact, true)

	message, err := svc.SendText(context.Background(), tenant, conversation.ID, "hi")
	require.NoError(t, err)
	require.Equal(t, models.MessageStatusSent, message.Status)

	// A replayed queue item for an already-sent message is a no-op
	require.NoError(t, svc.DispatchPending(context.Background(), tenant, message.ID))
	assert.Len(t, fp.sends(), 1)
}

func TestExpireWindows(t *testing.T) {
	db := newTestDB(t)
	tenant := seedTenant(t, db, 10)
	contact := seedContact(t, db, tenant.ID, "+5511999999999")
	seedConversation(t, db, tenant, contact, false)

	convRepo := repo.NewConversationRepository(db)
	n, err := convRepo.ExpireWindows(time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var stored models.Conversation
	require.NoError(t, db.Where("tenant_id = ?", tenant.ID).First(&stored).Error)
	assert.Equal(t, models.ConversationExpired, stored.Status)
}
