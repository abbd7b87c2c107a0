package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"ragdesk/internal/model"
)

type UsageRepository struct {
	db *gorm.DB
}

func NewUsageRepository(db *gorm.DB) *UsageRepository {
	return &UsageRepository{db: db}
}

func (r *UsageRepository) Create(ctx context.Context, rec *model.UsageRecord) error {
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("create usage record failed: %w", err)
	}
	return nil
}

func (r *UsageRepository) TotalTokensByOwner(ctx context.Context, ownerID string) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Model(&model.UsageRecord{}).
		Where("owner_id = ?", ownerID).
		Select("COALESCE(SUM(tokens_used), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("sum usage tokens failed: %w", err)
	}
	return total, nil
}
