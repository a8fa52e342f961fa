package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/yashrajoria/commerce-webhooks/services/webhook-service/models"
)

// EmailLogRepository persists the email audit trail.
type EmailLogRepository interface {
	SaveLog(ctx context.Context, entry *models.EmailLogEntry) error
	FindByEntity(ctx context.Context, entityID string) ([]models.EmailLogEntry, error)
}

type gormEmailLogRepository struct {
	db *gorm.DB
}

func NewEmailLogRepository(db *gorm.DB) EmailLogRepository {
	return &gormEmailLogRepository{db: db}
}

func (r *gormEmailLogRepository) SaveLog(ctx context.Context, entry *models.EmailLogEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *gormEmailLogRepository) FindByEntity(ctx context.Context, entityID string) ([]models.EmailLogEntry, error) {
	var entries []models.EmailLogEntry
	if err := r.db.WithContext(ctx).
		Where("entity_id = ?", entityID).
		Order("created_at DESC").
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
