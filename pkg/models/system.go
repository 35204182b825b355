package models

import "time"

// DeadLetter is an operator-visible record of a queue item that exhausted
// its retry budget. Never auto-discarded.
type DeadLetter struct {
	BaseModel
	Queue          string     `gorm:"not null;index" json:"queue"`
	ItemType       string     `json:"item_type"`
	IdempotencyKey string     `json:"idempotency_key"`
	Payload        string     `gorm:"type:text" json:"payload"`
	Attempts       int        `json:"attempts"`
	LastError      string     `gorm:"type:text" json:"last_error"`
	FailedAt       time.Time  `json:"failed_at"`
	ReviewedAt     *time.Time `json:"reviewed_at"`
}
