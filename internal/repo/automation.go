package repo

import (
	"flowgate/pkg/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AutoReplyRuleRepository handles auto-reply rule data access
type AutoReplyRuleRepository struct {
	db *gorm.DB
}

// NewAutoReplyRuleRepository creates a new auto-reply rule repository
func NewAutoReplyRuleRepository(db *gorm.DB) *AutoReplyRuleRepository {
	return &AutoReplyRuleRepository{db: db}
}

// ListActive lists a tenant's active rules, ascending priority first
func (r *AutoReplyRuleRepository) ListActive(tenantID uuid.UUID) ([]models.AutoReplyRule, error) {
	var rules []models.AutoReplyRule
	err := r.db.Where("tenant_id = ? AND is_active = ?", tenantID, true).
		Order("priority ASC, created_at ASC").
		Find(&rules).Error
	return rules, err
}

// Create creates a new rule
func (r *AutoReplyRuleRepository) Create(rule *models.AutoReplyRule) error {
	return r.db.Create(rule).Error
}

// IncrementTriggerCount bumps the rule's trigger counter
func (r *AutoReplyRuleRepository) IncrementTriggerCount(tenantID, ruleID uuid.UUID) error {
	return r.db.Model(&models.AutoReplyRule{}).
		Where("id = ? AND tenant_id = ?", ruleID, tenantID).
		Update("trigger_count", gorm.Expr("trigger_count + 1")).Error
}

// FlowRepository handles flow data access
type FlowRepository struct {
	db *gorm.DB
}

// NewFlowRepository creates a new flow repository
func NewFlowRepository(db *gorm.DB) *FlowRepository {
	return &FlowRepository{db: db}
}

// GetByID gets a flow by ID and tenant
func (r *FlowRepository) GetByID(tenantID, id uuid.UUID) (*models.Flow, error) {
	var flow models.Flow
	err := r.db.Where("id = ? AND tenant_id = ?", id, tenantID).First(&flow).Error
	if err != nil {
		return nil, err
	}
	return &flow, nil
}

// ListActive lists a tenant's active flows, ascending priority first
func (r *FlowRepository) ListActive(tenantID uuid.UUID) ([]models.Flow, error) {
	var flows []models.Flow
	err := r.db.Where("tenant_id = ? AND status = ?", tenantID, models.FlowStatusActive).
		Order("priority ASC, created_at ASC").
		Find(&flows).Error
	return flows, err
}

// Create creates a new flow
func (r *FlowRepository) Create(flow *models.Flow) error {
	return r.db.Create(flow).Error
}

// Update updates a flow
func (r *FlowRepository) Update(flow *models.Flow) error {
	return r.db.Save(flow).Error
}

// IncrementSessionCount bumps the started-sessions counter
func (r *FlowRepository) IncrementSessionCount(tenantID, flowID uuid.UUID) error {
	return r.db.Model(&models.Flow{}).
		Where("id = ? AND tenant_id = ?", flowID, tenantID).
		Update("session_count", gorm.Expr("session_count + 1")).Error
}

// IncrementCompletedCount bumps the completed-sessions counter
func (r *FlowRepository) IncrementCompletedCount(tenantID, flowID uuid.UUID) error {
	return r.db.Model(&models.Flow{}).
		Where("id = ? AND tenant_id = ?", flowID, tenantID).
		Update("completed_count", gorm.Expr("completed_count + 1")).Error
}

// FlowSessionRepository handles flow session data access
type FlowSessionRepository struct {
	db *gorm.DB
}

// NewFlowSessionRepository creates a new flow session repository
func NewFlowSessionRepository(db *gorm.DB) *FlowSessionRepository {
	return &FlowSessionRepository{db: db}
}

// GetByID gets a session by ID and tenant
func (r *FlowSessionRepository) GetByID(tenantID, id uuid.UUID) (*models.FlowSession, error) {
	var session models.FlowSession
	err := r.db.Where("id = ? AND tenant_id = ?", id, tenantID).First(&session).Error
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// GetActiveByConversation returns the single active session for a
// conversation, or gorm.ErrRecordNotFound
func (r *FlowSessionRepository) GetActiveByConversation(tenantID, conversationID uuid.UUID) (*models.FlowSession, error) {
	var session models.FlowSession
	err := r.db.Where("tenant_id = ? AND conversation_id = ? AND status = ?",
		tenantID, conversationID, models.SessionActive).
		First(&session).Error
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// Create creates a new session. The partial unique index rejects a second
// active session for the same conversation.
func (r *FlowSessionRepository) Create(session *models.FlowSession) error {
	return r.db.Create(session).Error
}

// Update updates a session
func (r *FlowSessionRepository) Update(session *models.FlowSession) error {
	return r.db.Save(session).Error
}
