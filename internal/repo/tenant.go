package repo

import (
	"flowgate/pkg/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TenantRepository handles tenant data access
type TenantRepository struct {
	db *gorm.DB
}

// NewTenantRepository creates a new tenant repository
func NewTenantRepository(db *gorm.DB) *TenantRepository {
	return &TenantRepository{db: db}
}

// GetByID gets a tenant by ID
func (r *TenantRepository) GetByID(id uuid.UUID) (*models.Tenant, error) {
	var tenant models.Tenant
	err := r.db.Where("id = ?", id).First(&tenant).Error
	if err != nil {
		return nil, err
	}
	return &tenant, nil
}

// GetByPhoneNumberID resolves the tenant owning a provider phone identity.
// This is how webhook entries are routed to a tenant.
func (r *TenantRepository) GetByPhoneNumberID(phoneNumberID string) (*models.Tenant, error) {
	var tenant models.Tenant
	err := r.db.Where("phone_number_id = ?", phoneNumberID).First(&tenant).Error
	if err != nil {
		return nil, err
	}
	return &tenant, nil
}

// Create creates a new tenant
func (r *TenantRepository) Create(tenant *models.Tenant) error {
	return r.db.Create(tenant).Error
}

// Update updates a tenant
func (r *TenantRepository) Update(tenant *models.Tenant) error {
	return r.db.Save(tenant).Error
}
