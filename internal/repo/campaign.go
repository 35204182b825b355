package repo

import (
	"time"

	"flowgate/pkg/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CampaignRepository handles campaign data access
type CampaignRepository struct {
	db *gorm.DB
}

// NewCampaignRepository creates a new campaign repository
func NewCampaignRepository(db *gorm.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// GetByID gets a campaign by ID and tenant
func (r *CampaignRepository) GetByID(tenantID, id uuid.UUID) (*models.Campaign, error) {
	var campaign models.Campaign
	err := r.db.Where("id = ? AND tenant_id = ?", id, tenantID).First(&campaign).Error
	if err != nil {
		return nil, err
	}
	return &campaign, nil
}

// Create creates a new campaign
func (r *CampaignRepository) Create(campaign *models.Campaign) error {
	return r.db.Create(campaign).Error
}

// Update updates a campaign
func (r *CampaignRepository) Update(campaign *models.Campaign) error {
	return r.db.Save(campaign).Error
}

// GetStatus reads only the campaign's status. The dispatch loop polls this
// at every iteration boundary to observe cancellation.
func (r *CampaignRepository) GetStatus(tenantID, id uuid.UUID) (string, error) {
	var status string
	err := r.db.Model(&models.Campaign{}).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Pluck("status", &status).Error
	return status, err
}

// UpdateStatus transitions a campaign's status
func (r *CampaignRepository) UpdateStatus(tenantID, id uuid.UUID, status string) error {
	return r.db.Model(&models.Campaign{}).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Update("status", status).Error
}

// FlushStats persists the dispatch loop's partial counters so a crash
// mid-campaign leaves an accurate snapshot
func (r *CampaignRepository) FlushStats(campaign *models.Campaign) error {
	return r.db.Model(campaign).Updates(map[string]interface{}{
		"sent_count":    campaign.SentCount,
		"failed_count":  campaign.FailedCount,
		"variant_stats": campaign.VariantStats,
	}).Error
}

// ListDue returns scheduled campaigns whose launch time has arrived
func (r *CampaignRepository) ListDue(now time.Time) ([]models.Campaign, error) {
	var campaigns []models.Campaign
	err := r.db.Where("status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?",
		models.CampaignScheduled, now).
		Find(&campaigns).Error
	return campaigns, err
}

// IncrementDeliveredCount bumps the delivered counter from status callbacks
func (r *CampaignRepository) IncrementDeliveredCount(tenantID, id uuid.UUID) error {
	return r.db.Model(&models.Campaign{}).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Update("delivered_count", gorm.Expr("delivered_count + 1")).Error
}

// IncrementReadCount bumps the read counter from status callbacks
func (r *CampaignRepository) IncrementReadCount(tenantID, id uuid.UUID) error {
	return r.db.Model(&models.Campaign{}).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Update("read_count", gorm.Expr("read_count + 1")).Error
}
