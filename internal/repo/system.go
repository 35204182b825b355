package repo

import (
	"time"

	"flowgate/pkg/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DeadLetterRepository persists operator-visible records of exhausted
// queue items
type DeadLetterRepository struct {
	db *gorm.DB
}

// NewDeadLetterRepository creates a new dead letter repository
func NewDeadLetterRepository(db *gorm.DB) *DeadLetterRepository {
	return &DeadLetterRepository{db: db}
}

// Create records a dead letter
func (r *DeadLetterRepository) Create(dl *models.DeadLetter) error {
	return r.db.Create(dl).Error
}

// List lists dead letters, newest first
func (r *DeadLetterRepository) List(limit, offset int) ([]models.DeadLetter, error) {
	var letters []models.DeadLetter
	err := r.db.Order("failed_at DESC").
		Limit(limit).Offset(offset).
		Find(&letters).Error
	return letters, err
}

// MarkReviewed stamps a dead letter as seen by an operator
func (r *DeadLetterRepository) MarkReviewed(id uuid.UUID) error {
	return r.db.Model(&models.DeadLetter{}).
		Where("id = ?", id).
		Update("reviewed_at", time.Now()).Error
}
