package services

import (
	"context"
	"encoding/json"
	"testing"

	"flowgate/internal/flow"
	"flowgate/internal/queue"
	"flowgate/internal/repo"
	"flowgate/internal/webhook"
	"flowgate/pkg/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newInboundStack(t *testing.T, db *gorm.DB) (*InboundService, *fakeProvider) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	q := queue.New(rdb)

	conversations, fp := newConversationStack(t, db)
	flowRepo := repo.NewFlowRepository(db)
	sessionRepo := repo.NewFlowSessionRepository(db)
	actions := NewFlowActions(
		repo.NewTenantRepository(db),
		repo.NewContactRepository(db),
		repo.NewConversationRepository(db),
		conversations,
		q,
	)
	engine := flow.NewEngine(flowRepo, sessionRepo, actions, actions, zerolog.Nop())
	autoReply := NewAutoReplyService(repo.NewAutoReplyRuleRepository(db), rdb)

	svc := NewInboundService(
		repo.NewTenantRepository(db),
		flowRepo,
		sessionRepo,
		conversations,
		autoReply,
		engine,
		actions,
		webhook.NewForwarder(),
	)
	return svc, fp
}

// seedInboundFlow creates an active keyword flow that asks a question,
// suspends for the reply and greets with the captured name.
func seedInboundFlow(t *testing.T, db *gorm.DB, tenantID uuid.UUID, keyword string) *models.Flow {
	t.Helper()
	f := &models.Flow{
		BaseTenantModel: models.BaseTenantModel{TenantID: tenantID},
		Name:            "greeting",
		TriggerType:     models.FlowTriggerKeyword,
		TriggerValue:    keyword,
		Status:          models.FlowStatusActive,
		Nodes: models.FlowNodeList{
			{ID: "n1", Type: models.NodeStart, Data: []byte(`{}`)},
			{ID: "n2", Type: models.NodeAskQuestion, Data: []byte(`{"question": "What is your name?", "variable": "name"}`)},
			{ID: "n3", Type: models.NodeSendMessage, Data: []byte(`{"text": "Welcome, {{name}}!"}`)},
			{ID: "n4", Type: models.NodeEnd, Data: []byte(`{}`)},
		},
		Edges: models.FlowEdgeList{
			{Source: "n1", Target: "n2"},
			{Source: "n2", Target: "n3"},
			{Source: "n3", Target: "n4"},
		},
	}
	require.NoError(t, db.Create(f).Error)
	return f
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestInboundDropsUnknownTenant(t *testing.T) {
	db := newTestDB(t)
	svc, fp := newInboundStack(t, db)

	p := models.InboundMessagePayload{
		PhoneNumberID:     "pn-nobody",
		ProviderMessageID: "wamid.1",
		From:              "5511999999999",
		Body:              "hello",
	}
	require.NoError(t, svc.Process(context.Background(), p))
	assert.Empty(t, fp.sends())

	var count int64
	require.NoError(t, db.Model(&models.Message{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestInboundDropsInactiveTenant(t *testing.T) {
	db := newTestDB(t)
	tenant := seedTenant(t, db, 10)
	require.NoError(t, db.Model(tenant).Update("is_active", false).Error)
	svc, _ := newInboundStack(t, db)

	require.NoError(t, svc.Process(context.Background(), inboundPayload(tenant, "wamid.1", "5511999999999", "hi")))

	var count int64
	require.NoError(t, db.Model(&models.Message{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestInboundDuplicateStopsChain(t *testing.T) {
	db := newTestDB(t)
	tenant := seedTenant(t, db, 10)
	svc, fp := newInboundStack(t, db)
	seedRule(t, db, tenant.ID, 1, models.TriggerAll, "")
	ctx := context.Background()

	p := inboundPayload(tenant, "wamid.1", "5511999999999", "hi")
	require.NoError(t, svc.Process(ctx, p))
	require.NoError(t, svc.Process(ctx, p))

	// The rule fired once: the redelivery never reached automation
	assert.Len(t, fp.sends(), 1)
}

func TestInboundAutoReplySendsText(t *testing.T) {
	db := newTestDB(t)
	tenant := seedTenant(t, db, 10)
	svc, fp := newInboundStack(t, db)
	rule := seedRule(t, db, tenant.ID, 1, models.TriggerKeyword, "price")
	require.NoError(t, db.Model(rule).Update("action_value", "Our catalog is at example.com").Error)

	require.NoError(t, svc.Process(context.Background(), inboundPayload(tenant, "wamid.1", "5511999999999", "what is the price?")))

	sends := fp.sends()
	require.Len(t, sends, 1)
	assert.Equal(t, "Our catalog is at example.com", sends[0].Body)
}

func TestInboundFlowTriggerBeatsAutoReply(t *testing.T) {
	db := newTestDB(t)
	tenant := seedTenant(t, db, 10)
	svc, fp := newInboundStack(t, db)
	seedRule(t, db, tenant.ID, 1, models.TriggerAll, "")
	seedInboundFlow(t, db, tenant.ID, "start")

	require.NoError(t, svc.Process(context.Background(), inboundPayload(tenant, "wamid.1", "5511999999999", "start")))

	// The flow asked its question; the catch-all rule stayed quiet
	sends := fp.sends()
	require.Len(t, sends, 1)
	assert.Equal(t, "What is your name?", sends[0].Body)

	var session models.FlowSession
	require.NoError(t, db.First(&session, "tenant_id = ?", tenant.ID).Error)
	assert.Equal(t, models.SessionActive, session.Status)
	assert.True(t, session.WaitingForInput)
}

func TestInboundWaitingSessionClaimsReply(t *testing.T) {
	db := newTestDB(t)
	tenant := seedTenant(t, db, 10)
	svc, fp := newInboundStack(t, db)
	seedRule(t, db, tenant.ID, 1, models.TriggerAll, "")
	seedInboundFlow(t, db, tenant.ID, "start")
	ctx := context.Background()

	require.NoError(t, svc.Process(ctx, inboundPayload(tenant, "wamid.1", "5511999999999", "start")))
	require.NoError(t, svc.Process(ctx, inboundPayload(tenant, "wamid.2", "5511999999999", "Ada")))

	sends := fp.sends()
	require.Len(t, sends, 2)
	assert.Equal(t, "Welcome, Ada!", sends[1].Body)

	var session models.FlowSession
	require.NoError(t, db.First(&session, "tenant_id = ?", tenant.ID).Error)
	assert.Equal(t, models.SessionCompleted, session.Status)

	// The completed session released the conversation: automation runs again
	require.NoError(t, svc.Process(ctx, inboundPayload(tenant, "wamid.3", "5511999999999", "anything")))
	assert.Len(t, fp.sends(), 3)
}

func TestInboundBrokenFlowFallsThroughToAutoReply(t *testing.T) {
	db := newTestDB(t)
	tenant := seedTenant(t, db, 10)
	svc, fp := newInboundStack(t, db)
	seedRule(t, db, tenant.ID, 1, models.TriggerAll, "")

	// Active flow with no start node never compiles
	broken := &models.Flow{
		BaseTenantModel: models.BaseTenantModel{TenantID: tenant.ID},
		Name:            "broken",
		TriggerType:     models.FlowTriggerAllMessages,
		Status:          models.FlowStatusActive,
		Nodes: models.FlowNodeList{
			{ID: "n1", Type: models.NodeEnd, Data: []byte(`{}`)},
		},
	}
	require.NoError(t, db.Create(broken).Error)

	require.NoError(t, svc.Process(context.Background(), inboundPayload(tenant, "wamid.1", "5511999999999", "hello")))

	assert.Len(t, fp.sends(), 1)

	var sessions int64
	require.NoError(t, db.Model(&models.FlowSession{}).Count(&sessions).Error)
	assert.Zero(t, sessions)
}

func TestInboundResumeItemReachesEngine(t *testing.T) {
	db := newTestDB(t)
	tenant := seedTenant(t, db, 10)
	svc, _ := newInboundStack(t, db)

	item := queue.Item{
		Type:    models.ItemFlowResume,
		Payload: mustJSON(t, models.FlowResumePayload{TenantID: tenant.ID}),
	}
	// Unknown session is absorbed, not retried
	assert.NoError(t, svc.HandleItem(context.Background(), item))
}

func TestInboundUnknownItemTypeDropped(t *testing.T) {
	db := newTestDB(t)
	svc, _ := newInboundStack(t, db)

	item := queue.Item{Type: "mystery", Payload: []byte(`{}`)}
	assert.NoError(t, svc.HandleItem(context.Background(), item))
}
