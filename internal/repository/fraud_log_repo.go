package repository

import (
	"context"

	"paysupport/internal/model"

	"gorm.io/gorm"
)

type FraudLogRepository struct {
	db *gorm.DB
}

func NewFraudLogRepository(db *gorm.DB) *FraudLogRepository {
	return &FraudLogRepository{db: db}
}

func (r *FraudLogRepository) Create(ctx context.Context, log *model.FraudLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

func (r *FraudLogRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*model.FraudLog, error) {
	var list []*model.FraudLog
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Find(&list).Error
	return list, err
}
