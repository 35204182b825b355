package models

import (
	"time"

	"github.com/google/uuid"
)

// Message direction values
const (
	DirectionInbound  = "in"
	DirectionOutbound = "out"
)

// Message status values, ordered by rank (see MessageStatusRank)
const (
	MessageStatusPending   = "pending"
	MessageStatusSent      = "sent"
	MessageStatusDelivered = "delivered"
	MessageStatusRead      = "read"
	MessageStatusFailed    = "failed"
)

// MessageStatusRank orders delivery statuses so an out-of-order callback
// can never downgrade a message. Failed is terminal.
var MessageStatusRank = map[string]int{
	MessageStatusPending:   0,
	MessageStatusSent:      1,
	MessageStatusDelivered: 2,
	MessageStatusRead:      3,
	MessageStatusFailed:    4,
}

// Conversation status values
const (
	ConversationOpen    = "open"
	ConversationClosed  = "closed"
	ConversationExpired = "expired"
)

// Contact represents a customer reachable through the provider
type Contact struct {
	BaseTenantModel
	Phone     string `gorm:"not null;uniqueIndex:uni_contacts_tenant_phone" json:"phone" validate:"required"` // normalized E.164
	Name      string `json:"name"`
	OptedIn   bool   `gorm:"default:true" json:"opted_in"`
	IsBlocked bool   `gorm:"default:false" json:"is_blocked"`
}

// Conversation represents the dialog with one contact. One conversation
// per (tenant, contact), created lazily on first contact.
type Conversation struct {
	BaseTenantModel
	ContactID       uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:uni_conversations_tenant_contact;constraint:OnDelete:RESTRICT" json:"contact_id"`
	CustomerPhone   string     `gorm:"not null;index" json:"customer_phone"`
	Status          string     `gorm:"default:'open'" json:"status"` // open, closed, expired
	AssignedAgentID *uuid.UUID `gorm:"type:uuid" json:"assigned_agent_id"`
	UnreadCount     int        `gorm:"default:0" json:"unread_count"`

	// Last-message summary, denormalized for listing
	LastMessageBody      string     `json:"last_message_body"`
	LastMessageAt        *time.Time `json:"last_message_at"`
	LastMessageDirection string     `json:"last_message_direction"`

	// 24h provider window, advanced only by inbound messages
	WindowExpiresAt *time.Time `json:"window_expires_at"`

	Contact *Contact `gorm:"foreignKey:ContactID" json:"contact,omitempty"`
}

// WindowOpen reports whether free-form outbound text is currently allowed
func (c *Conversation) WindowOpen(now time.Time) bool {
	return c.WindowExpiresAt != nil && c.WindowExpiresAt.After(now)
}

// Message represents a single inbound or outbound message
type Message struct {
	BaseTenantModel
	ConversationID uuid.UUID  `gorm:"type:uuid;not null;index;constraint:OnDelete:RESTRICT" json:"conversation_id"`
	ContactID      uuid.UUID  `gorm:"type:uuid;not null;constraint:OnDelete:RESTRICT" json:"contact_id"`
	CampaignID     *uuid.UUID `gorm:"type:uuid;index" json:"campaign_id"`

	// ProviderMessageID is the dedup key for inbound events and status
	// callbacks. Unique per tenant once set, immutable afterwards.
	ProviderMessageID *string `gorm:"uniqueIndex:uni_messages_tenant_provider" json:"provider_message_id"`

	Direction string `gorm:"not null" json:"direction"`            // in, out
	Type      string `gorm:"not null;default:'text'" json:"type"`  // text, template, image, ...
	Body      string `gorm:"type:text" json:"body"`
	Status    string `gorm:"default:'pending'" json:"status"`

	SentAt      *time.Time `json:"sent_at"`
	DeliveredAt *time.Time `json:"delivered_at"`
	ReadAt      *time.Time `json:"read_at"`
	FailedAt    *time.Time `json:"failed_at"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	ScheduledAt *time.Time `json:"scheduled_at"`

	Conversation *Conversation `gorm:"foreignKey:ConversationID" json:"conversation,omitempty"`
	Contact      *Contact      `gorm:"foreignKey:ContactID" json:"contact,omitempty"`
}

// Tag labels contacts for audience resolution and flow actions
type Tag struct {
	BaseTenantModel
	Name  string `gorm:"not null" json:"name" validate:"required"`
	Color string `gorm:"default:'#6B7280'" json:"color"`
}

// ContactTag links contacts to tags
type ContactTag struct {
	BaseTenantModel
	ContactID uuid.UUID `gorm:"type:uuid;not null;index;uniqueIndex:uni_contact_tags" json:"contact_id"`
	TagID     uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uni_contact_tags" json:"tag_id"`
}

// ContactGroup is an explicit grouping of contacts
type ContactGroup struct {
	BaseTenantModel
	Name string `gorm:"not null" json:"name" validate:"required"`
}

// ContactGroupMember links contacts to groups
type ContactGroupMember struct {
	BaseTenantModel
	GroupID   uuid.UUID `gorm:"type:uuid;not null;index;uniqueIndex:uni_group_members" json:"group_id"`
	ContactID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uni_group_members" json:"contact_id"`
}
