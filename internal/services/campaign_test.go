package services

import (
	"context"
	"fmt"
	"testing"

	"flowgate/internal/queue"
	"flowgate/internal/repo"
	"flowgate/pkg/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newCampaignStack(t *testing.T, db *gorm.DB) (*CampaignService, *fakeProvider, *queue.Queue) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	q := queue.New(rdb)

	conversations, fp := newConversationStack(t, db)
	svc := NewCampaignService(
		repo.NewTenantRepository(db),
		repo.NewCampaignRepository(db),
		repo.NewContactRepository(db),
		conversations,
		NewCreditLedger(db),
		q,
		0, // no pacing in tests
	)
	return svc, fp, q
}

func seedContacts(t *testing.T, db *gorm.DB, tenantID uuid.UUID, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		seedContact(t, db, tenantID, fmt.Sprintf("+55119999900%02d", i))
	}
}

func seedCampaign(t *testing.T, db *gorm.DB, tenantID uuid.UUID, variants models.CampaignVariantList) *models.Campaign {
	t.Helper()
	campaign := &models.Campaign{
		BaseTenantModel:  models.BaseTenantModel{TenantID: tenantID},
		Name:             "spring promo",
		TemplateName:     "promo",
		TemplateLanguage: "en",
		AudienceType:     models.AudienceAll,
		Variants:         variants,
		Status:           models.CampaignDraft,
	}
	require.NoError(t, db.Create(campaign).Error)
	return campaign
}

func TestLaunchMovesCampaignToProcessing(t *testing.T) {
	db := newTestDB(t)
	tenant := seedTenant(t, db, 100)
	svc, _, q := newCampaignStack(t, db)
	seedContacts(t, db, tenant.ID, 3)
	campaign := seedCampaign(t, db, tenant.ID, nil)

	require.NoError(t, svc.Launch(context.Background(), tenant.ID, campaign.ID))

	var stored models.Campaign
	require.NoError(t, db.First(&stored, "id = ?", campaign.ID).Error)
	assert.Equal(t, models.CampaignProcessing, stored.Status)
	assert.Equal(t, 3, stored.TotalCount)
	assert.NotNil(t, stored.StartedAt)

	depth, err := q.Depth(context.Background(), queue.QueueCampaign)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestLaunchEmptyAudienceFails(t *testing.T) {
	db := newTestDB(t)
	tenant := seedTenant(t, db, 100)
	svc, _, _ := newCampaignStack(t, db)
	campaign := seedCampaign(t, db, tenant.ID, nil)

	require.NoError(t, svc.Launch(context.Background(), tenant.ID, campaign.ID))

	var stored models.Campaign
	require.NoError(t, db.First(&stored, "id = ?", campaign.ID).Error)
	assert.Equal(t, models.CampaignFailed, stored.Status)
	assert.NotEmpty(t, stored.FailureReason)
}

func TestLaunchRejectsWrongStatus(t *testing.T) {
	db := newTestDB(t)
	tenant := seedTenant(t, db, 100)
	svc, _, _ := newCampaignStack(t, db)
	seedContacts(t, db, tenant.ID, 1)
	campaign := seedCampaign(t, db, tenant.ID, nil)
	require.NoError(t, db.Model(campaign).Update("status", models.CampaignCompleted).Error)

	assert.Error(t, svc.Launch(context.Background(), tenant.ID, campaign.ID))
}

func TestDispatchSendsToWholeAudience(t *testing.T) {
	db := newTestDB(t)
	tenant := seedTenant(t, db, 100)
	svc, fp, _ := newCampaignStack(t, db)
	seedContacts(t, db, tenant.ID, 10)
	campaign := seedCampaign(t, db, tenant.ID, nil)
	ctx := context.Background()

	require.NoError(t, svc.Launch(ctx, tenant.ID, campaign.ID))
	require.NoError(t, svc.Dispatch(ctx, tenant.ID, campaign.ID))

	var stored models.Campaign
	require.NoError(t, db.First(&stored, "id = ?", campaign.ID).Error)
	assert.Equal(t, models.CampaignCompleted, stored.Status)
	assert.Equal(t, 10, stored.TotalCount)
	assert.Equal(t, 10, stored.SentCount)
	assert.Equal(t, 0, stored.FailedCount)
	assert.NotNil(t, stored.CompletedAt)
	assert.Len(t, fp.sends(), 10)

	// One credit per successful send
	var storedTenant models.Tenant
	require.NoError(t, db.First(&storedTenant, "id = ?", tenant.ID).Error)
	assert.Equal(t, int64(90), storedTenant.CreditBalance)

	// Messages carry the campaign reference
	var tagged int64
	require.NoError(t, db.Model(&models.Message{}).Where("campaign_id = ?", campaign.ID).Count(&tagged).Error)
	assert.Equal(t, int64(10), tagged)
}

func TestDispatchContinuesPastProviderFailures(t *testing.T) {
	db := newTestDB(t)
	tenant := seedTenant(t, db, 100)
	svc, fp, _ := newCampaignStack(t, db)
	fp.failCalls = map[int]bool{3: true}
	seedContacts(t, db, tenant.ID, 10)
	campaign := seedCampaign(t, db, tenant.ID, nil)
	ctx := context.Background()

	require.NoError(t, svc.Launch(ctx, tenant.ID, campaign.ID))
	require.NoError(t, svc.Dispatch(ctx, tenant.ID, campaign.ID))

	var stored models.Campaign
	require.NoError(t, db.First(&stored, "id = ?", campaign.ID).Error)
	assert.Equal(t, models.CampaignCompleted, stored.Status)
	assert.Equal(t, 10, stored.TotalCount)
	assert.Equal(t, 9, stored.SentCount)
	assert.Equal(t, 1, stored.FailedCount)

	// Failed sends cost nothing
	var storedTenant models.Tenant
	require.NoError(t, db.First(&storedTenant, "id = ?", tenant.ID).Error)
	assert.Equal(t, int64(91), storedTenant.CreditBalance)
}

func TestDispatchStopsWhenCreditsExhausted(t *testing.T) {
	db := newTestDB(t)
	tenant := seedTenant(t, db, 5)
	svc, fp, _ := newCampaignStack(t, db)
	seedContacts(t, db, tenant.ID, 8)
	campaign := seedCampaign(t, db, tenant.ID, nil)
	ctx := context.Background()

	require.NoError(t, svc.Launch(ctx, tenant.ID, campaign.ID))
	require.NoError(t, svc.Dispatch(ctx, tenant.ID, campaign.ID))

	var stored models.Campaign
	require.NoError(t, db.First(&stored, "id = ?", campaign.ID).Error)
	assert.Equal(t, models.CampaignFailed, stored.Status)
	assert.Equal(t, "credits exhausted after 5 sends", stored.FailureReason)
	assert.Equal(t, 8, stored.TotalCount)
	assert.Equal(t, 5, stored.SentCount)
	assert.Equal(t, 0, stored.FailedCount)
	assert.Len(t, fp.sends(), 5)

	var storedTenant models.Tenant
	require.NoError(t, db.First(&storedTenant, "id = ?", tenant.ID).Error)
	assert.Equal(t, int64(0), storedTenant.CreditBalance)
}

func TestDispatchVariantSplitIsProportional(t *testing.T) {
	db := newTestDB(t)
	tenant := seedTenant(t, db, 100)
	svc, fp, _ := newCampaignStack(t, db)
	seedContacts(t, db, tenant.ID, 10)
	campaign := seedCampaign(t, db, tenant.ID, models.CampaignVariantList{
		{Name: "A", TemplateName: "promo_a", TemplateLanguage: "en", Percent: 60},
		{Name: "B", TemplateName: "promo_b", TemplateLanguage: "en", Percent: 40},
	})
	ctx := context.Background()

	require.NoError(t, svc.Launch(ctx, tenant.ID, campaign.ID))
	require.NoError(t, svc.Dispatch(ctx, tenant.ID, campaign.ID))

	var stored models.Campaign
	require.NoError(t, db.First(&stored, "id = ?", campaign.ID).Error)
	require.Len(t, stored.VariantStats, 2)
	assert.Equal(t, 6, stored.VariantStats[0].Total)
	assert.Equal(t, 6, stored.VariantStats[0].Sent)
	assert.Equal(t, 4, stored.VariantStats[1].Total)
	assert.Equal(t, 4, stored.VariantStats[1].Sent)

	// Contact order is stable, so the split is deterministic
	templates := map[string]int{}
	for _, s := range fp.sends() {
		templates[s.Template]++
	}
	assert.Equal(t, 6, templates["promo_a"])
	assert.Equal(t, 4, templates["promo_b"])
}

func TestCancelStopsScheduledCampaign(t *testing.T) {
	db := newTestDB(t)
	tenant := seedTenant(t, db, 100)
	svc, fp, _ := newCampaignStack(t, db)
	seedContacts(t, db, tenant.ID, 5)
	campaign := seedCampaign(t, db, tenant.ID, nil)
	ctx := context.Background()

	require.NoError(t, svc.Launch(ctx, tenant.ID, campaign.ID))
	require.NoError(t, svc.Cancel(ctx, tenant.ID, campaign.ID))

	// A cancelled campaign is not dispatched
	require.NoError(t, svc.Dispatch(ctx, tenant.ID, campaign.ID))
	assert.Empty(t, fp.sends())

	var stored models.Campaign
	require.NoError(t, db.First(&stored, "id = ?", campaign.ID).Error)
	assert.Equal(t, models.CampaignCancelled, stored.Status)
}

func TestCancelRejectsCompletedCampaign(t *testing.T) {
	db := newTestDB(t)
	tenant := seedTenant(t, db, 100)
	svc, _, _ := newCampaignStack(t, db)
	campaign := seedCampaign(t, db, tenant.ID, nil)
	require.NoError(t, db.Model(campaign).Update("status", models.CampaignCompleted).Error)

	assert.Error(t, svc.Cancel(context.Background(), tenant.ID, campaign.ID))
}

func TestVariantIndexFor(t *testing.T) {
	variants := models.CampaignVariantList{
		{Name: "A", Percent: 60},
		{Name: "B", Percent: 40},
	}

	counts := map[int]int{}
	for i := 0; i < 10; i++ {
		counts[variantIndexFor(i, 10, variants)]++
	}
	assert.Equal(t, 6, counts[0])
	assert.Equal(t, 4, counts[1])

	// No variants means the campaign's own template
	assert.Equal(t, -1, variantIndexFor(0, 10, nil))

	// Under-allocated percentages fold the tail into the last variant
	short := models.CampaignVariantList{{Name: "A", Percent: 50}}
	assert.Equal(t, 0, variantIndexFor(9, 10, short))
}
