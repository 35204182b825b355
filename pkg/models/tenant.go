package models

import (
	"database/sql/driver"
	"encoding/json"
)

// DaySchedule holds the opening hours for a single weekday
type DaySchedule struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start"` // HH:MM
	End     string `json:"end"`   // HH:MM
}

// WeeklySchedule maps weekday names (monday..sunday) to their schedule
type WeeklySchedule map[string]DaySchedule

// Value implements driver.Valuer for JSONB storage
func (w WeeklySchedule) Value() (driver.Value, error) {
	if w == nil {
		return json.Marshal(WeeklySchedule{})
	}
	return json.Marshal(w)
}

// Scan implements sql.Scanner for JSONB storage
func (w *WeeklySchedule) Scan(value interface{}) error {
	if value == nil {
		*w = WeeklySchedule{}
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}

	return json.Unmarshal(bytes, w)
}

// Tenant represents a company/organization using the gateway
type Tenant struct {
	BaseModel
	Name          string `gorm:"not null" json:"name" validate:"required"`
	PhoneNumberID string `gorm:"uniqueIndex;not null" json:"phone_number_id" validate:"required"` // provider phone identity
	IsActive      bool   `gorm:"default:true" json:"is_active"`

	// Credit system: balance mutates only through conditional updates in the ledger
	CreditBalance  int64 `gorm:"default:0;check:credit_balance >= 0" json:"credit_balance"`
	TotalAllocated int64 `gorm:"default:0" json:"total_allocated"`
	CostPerMessage int64 `gorm:"default:1;check:cost_per_message >= 0" json:"cost_per_message"`

	// Business hours, used by out_of_hours auto-reply triggers
	Timezone      string         `gorm:"default:'UTC'" json:"timezone"`
	BusinessHours WeeklySchedule `gorm:"type:jsonb;default:'{}'" json:"business_hours"`

	// Tenant-configured event forwarding (best-effort)
	WebhookURL    string `json:"webhook_url"`
	WebhookSecret string `json:"webhook_secret,omitempty"`
}

// CreditTransaction records every balance mutation for audit
type CreditTransaction struct {
	BaseTenantModel
	Type         string `gorm:"not null" json:"type"` // use, add, set
	Amount       int64  `gorm:"not null" json:"amount"`
	BalanceAfter int64  `json:"balance_after"`
	Description  string `json:"description"`
}
