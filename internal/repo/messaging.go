package repo

import (
	"time"

	"flowgate/pkg/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ContactRepository handles contact data access
type ContactRepository struct {
	db *gorm.DB
}

// NewContactRepository creates a new contact repository
func NewContactRepository(db *gorm.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

// GetByID gets a contact by ID and tenant
func (r *ContactRepository) GetByID(tenantID, id uuid.UUID) (*models.Contact, error) {
	var contact models.Contact
	err := r.db.Where("id = ? AND tenant_id = ?", id, tenantID).First(&contact).Error
	if err != nil {
		return nil, err
	}
	return &contact, nil
}

// GetByPhone gets a contact by normalized phone
func (r *ContactRepository) GetByPhone(tenantID uuid.UUID, phone string) (*models.Contact, error) {
	var contact models.Contact
	err := r.db.Where("tenant_id = ? AND phone = ?", tenantID, phone).First(&contact).Error
	if err != nil {
		return nil, err
	}
	return &contact, nil
}

// Create creates a new contact
func (r *ContactRepository) Create(contact *models.Contact) error {
	return r.db.Create(contact).Error
}

// Update updates a contact
func (r *ContactRepository) Update(contact *models.Contact) error {
	return r.db.Save(contact).Error
}

// AddTag attaches a tag to a contact, idempotently
func (r *ContactRepository) AddTag(tenantID, contactID, tagID uuid.UUID) error {
	var existing models.ContactTag
	err := r.db.Where("tenant_id = ? AND contact_id = ? AND tag_id = ?", tenantID, contactID, tagID).
		First(&existing).Error
	if err == nil {
		return nil
	}
	if err != gorm.ErrRecordNotFound {
		return err
	}
	ct := models.ContactTag{
		BaseTenantModel: models.BaseTenantModel{TenantID: tenantID},
		ContactID:       contactID,
		TagID:           tagID,
	}
	return r.db.Create(&ct).Error
}

// sendable restricts audiences to opted-in, non-blocked contacts
func (r *ContactRepository) sendable(tenantID uuid.UUID) *gorm.DB {
	return r.db.Model(&models.Contact{}).
		Where("tenant_id = ? AND opted_in = ? AND is_blocked = ?", tenantID, true, false)
}

// ListSendable lists all contacts a campaign may target, in stable order
func (r *ContactRepository) ListSendable(tenantID uuid.UUID) ([]models.Contact, error) {
	var contacts []models.Contact
	err := r.sendable(tenantID).Order("created_at ASC, id ASC").Find(&contacts).Error
	return contacts, err
}

// ListSendableByTags lists sendable contacts carrying any of the given tags
func (r *ContactRepository) ListSendableByTags(tenantID uuid.UUID, tagIDs []uuid.UUID) ([]models.Contact, error) {
	var contacts []models.Contact
	err := r.sendable(tenantID).
		Where("id IN (?)", r.db.Model(&models.ContactTag{}).
			Select("contact_id").
			Where("tenant_id = ? AND tag_id IN ?", tenantID, tagIDs)).
		Order("created_at ASC, id ASC").
		Find(&contacts).Error
	return contacts, err
}

// ListSendableByGroups lists sendable contacts belonging to any of the groups
func (r *ContactRepository) ListSendableByGroups(tenantID uuid.UUID, groupIDs []uuid.UUID) ([]models.Contact, error) {
	var contacts []models.Contact
	err := r.sendable(tenantID).
		Where("id IN (?)", r.db.Model(&models.ContactGroupMember{}).
			Select("contact_id").
			Where("tenant_id = ? AND group_id IN ?", tenantID, groupIDs)).
		Order("created_at ASC, id ASC").
		Find(&contacts).Error
	return contacts, err
}

// ListSendableByIDs lists sendable contacts from an explicit id list
func (r *ContactRepository) ListSendableByIDs(tenantID uuid.UUID, ids []uuid.UUID) ([]models.Contact, error) {
	var contacts []models.Contact
	err := r.sendable(tenantID).
		Where("id IN ?", ids).
		Order("created_at ASC, id ASC").
		Find(&contacts).Error
	return contacts, err
}

// ConversationRepository handles conversation data access
type ConversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository creates a new conversation repository
func NewConversationRepository(db *gorm.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// GetByID gets a conversation by ID and tenant
func (r *ConversationRepository) GetByID(tenantID, id uuid.UUID) (*models.Conversation, error) {
	var conversation models.Conversation
	err := r.db.Where("id = ? AND tenant_id = ?", id, tenantID).First(&conversation).Error
	if err != nil {
		return nil, err
	}
	return &conversation, nil
}

// GetByContact gets the conversation for a (tenant, contact) pair
func (r *ConversationRepository) GetByContact(tenantID, contactID uuid.UUID) (*models.Conversation, error) {
	var conversation models.Conversation
	err := r.db.Where("tenant_id = ? AND contact_id = ?", tenantID, contactID).First(&conversation).Error
	if err != nil {
		return nil, err
	}
	return &conversation, nil
}

// Create creates a new conversation
func (r *ConversationRepository) Create(conversation *models.Conversation) error {
	return r.db.Create(conversation).Error
}

// Update updates a conversation
func (r *ConversationRepository) Update(conversation *models.Conversation) error {
	return r.db.Save(conversation).Error
}

// RegisterInbound applies the inbound-message side effects in one update:
// reopen, extend the 24h window, bump unread and refresh the summary
func (r *ConversationRepository) RegisterInbound(conversation *models.Conversation, body string, at time.Time) error {
	expiry := at.Add(24 * time.Hour)
	return r.db.Model(conversation).Updates(map[string]interface{}{
		"status":                 models.ConversationOpen,
		"window_expires_at":      expiry,
		"unread_count":           gorm.Expr("unread_count + 1"),
		"last_message_body":      body,
		"last_message_at":        at,
		"last_message_direction": models.DirectionInbound,
	}).Error
}

// RegisterOutbound refreshes the summary for an outbound message. The
// window is never extended here.
func (r *ConversationRepository) RegisterOutbound(conversation *models.Conversation, body string, at time.Time) error {
	return r.db.Model(conversation).Updates(map[string]interface{}{
		"last_message_body":      body,
		"last_message_at":        at,
		"last_message_direction": models.DirectionOutbound,
	}).Error
}

// ExpireWindows transitions open conversations whose window has lapsed
func (r *ConversationRepository) ExpireWindows(now time.Time) (int64, error) {
	result := r.db.Model(&models.Conversation{}).
		Where("status = ? AND window_expires_at IS NOT NULL AND window_expires_at <= ?", models.ConversationOpen, now).
		Update("status", models.ConversationExpired)
	return result.RowsAffected, result.Error
}

// AssignAgent sets the assigned agent reference
func (r *ConversationRepository) AssignAgent(tenantID, conversationID, agentID uuid.UUID) error {
	return r.db.Model(&models.Conversation{}).
		Where("id = ? AND tenant_id = ?", conversationID, tenantID).
		Update("assigned_agent_id", agentID).Error
}

// MessageRepository handles message data access
type MessageRepository struct {
	db *gorm.DB
}

// NewMessageRepository creates a new message repository
func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// GetByID gets a message by ID and tenant
func (r *MessageRepository) GetByID(tenantID, id uuid.UUID) (*models.Message, error) {
	var message models.Message
	err := r.db.Where("id = ? AND tenant_id = ?", id, tenantID).First(&message).Error
	if err != nil {
		return nil, err
	}
	return &message, nil
}

// GetByProviderID finds a message by its provider message id within a tenant
func (r *MessageRepository) GetByProviderID(tenantID uuid.UUID, providerMessageID string) (*models.Message, error) {
	var message models.Message
	err := r.db.Where("tenant_id = ? AND provider_message_id = ?", tenantID, providerMessageID).
		First(&message).Error
	if err != nil {
		return nil, err
	}
	return &message, nil
}

// Create creates a new message
func (r *MessageRepository) Create(message *models.Message) error {
	return r.db.Create(message).Error
}

// Update updates a message
func (r *MessageRepository) Update(message *models.Message) error {
	return r.db.Save(message).Error
}

// ListByConversation lists messages by conversation ID, newest first
func (r *MessageRepository) ListByConversation(tenantID, conversationID uuid.UUID, limit, offset int) ([]models.Message, error) {
	var messages []models.Message
	err := r.db.Where("tenant_id = ? AND conversation_id = ?", tenantID, conversationID).
		Order("created_at DESC").
		Limit(limit).Offset(offset).
		Find(&messages).Error
	return messages, err
}

// ListDueScheduled returns pending messages whose scheduled send time has
// passed, across tenants, oldest first
func (r *MessageRepository) ListDueScheduled(now time.Time, limit int) ([]models.Message, error) {
	var messages []models.Message
	err := r.db.Where("status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?",
		models.MessageStatusPending, now).
		Order("scheduled_at ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}
