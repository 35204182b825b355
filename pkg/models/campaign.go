package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Campaign status values
const (
	CampaignDraft      = "draft"
	CampaignScheduled  = "scheduled"
	CampaignProcessing = "processing"
	CampaignCompleted  = "completed"
	CampaignFailed     = "failed"
	CampaignCancelled  = "cancelled"
)

// Audience descriptor types
const (
	AudienceAll      = "all"
	AudienceTags     = "tags"
	AudienceGroups   = "groups"
	AudienceContacts = "contacts"
)

// StringList is a JSONB list of ids/values
type StringList []string

func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		return json.Marshal(StringList{})
	}
	return json.Marshal(s)
}

func (s *StringList) Scan(value interface{}) error {
	if value == nil {
		*s = StringList{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, s)
}

// CampaignVariant is one A/B variant: its own template and audience share.
// Percent weights across variants must sum to at most 100.
type CampaignVariant struct {
	Name             string `json:"name"`
	TemplateName     string `json:"template_name"`
	TemplateLanguage string `json:"template_language"`
	Percent          int    `json:"percent"`
}

// CampaignVariantList is the JSONB variant configuration
type CampaignVariantList []CampaignVariant

func (v CampaignVariantList) Value() (driver.Value, error) {
	if v == nil {
		return json.Marshal(CampaignVariantList{})
	}
	return json.Marshal(v)
}

func (v *CampaignVariantList) Scan(value interface{}) error {
	if value == nil {
		*v = CampaignVariantList{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, v)
}

// VariantStats mirrors the aggregate counters for one variant
type VariantStats struct {
	Name      string `json:"name"`
	Total     int    `json:"total"`
	Sent      int    `json:"sent"`
	Delivered int    `json:"delivered"`
	Read      int    `json:"read"`
	Failed    int    `json:"failed"`
}

// VariantStatsList is the JSONB per-variant stats projection
type VariantStatsList []VariantStats

func (v VariantStatsList) Value() (driver.Value, error) {
	if v == nil {
		return json.Marshal(VariantStatsList{})
	}
	return json.Marshal(v)
}

func (v *VariantStatsList) Scan(value interface{}) error {
	if value == nil {
		*v = VariantStatsList{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, v)
}

// Campaign is a credit-gated bulk send of a templated message
type Campaign struct {
	BaseTenantModel
	Name             string `gorm:"not null" json:"name" validate:"required"`
	TemplateName     string `gorm:"not null" json:"template_name" validate:"required"`
	TemplateLanguage string `gorm:"default:'en'" json:"template_language"`

	AudienceType  string     `gorm:"not null;default:'all'" json:"audience_type" validate:"oneof=all tags groups contacts"`
	AudienceValue StringList `gorm:"type:jsonb;default:'[]'" json:"audience_value"` // tag/group/contact ids

	Variants CampaignVariantList `gorm:"type:jsonb;default:'[]'" json:"variants"`

	Status        string     `gorm:"default:'draft';index" json:"status"`
	ScheduledAt   *time.Time `json:"scheduled_at"`
	StartedAt     *time.Time `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at"`
	FailureReason string     `json:"failure_reason"`

	// Aggregate stats, flushed periodically during dispatch and written
	// atomically at completion
	TotalCount     int              `gorm:"default:0" json:"total_count"`
	SentCount      int              `gorm:"default:0" json:"sent_count"`
	DeliveredCount int              `gorm:"default:0" json:"delivered_count"`
	ReadCount      int              `gorm:"default:0" json:"read_count"`
	FailedCount    int              `gorm:"default:0" json:"failed_count"`
	VariantStats   VariantStatsList `gorm:"type:jsonb;default:'[]'" json:"variant_stats"`
}
