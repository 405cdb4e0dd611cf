package repository

import (
	"context"

	"paysupport/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type FeatureFlagRepository struct {
	db *gorm.DB
}

func NewFeatureFlagRepository(db *gorm.DB) *FeatureFlagRepository {
	return &FeatureFlagRepository{db: db}
}

func (r *FeatureFlagRepository) List(ctx context.Context) ([]*model.FeatureFlag, error) {
	var list []*model.FeatureFlag
	err := r.db.WithContext(ctx).Find(&list).Error
	return list, err
}

func (r *FeatureFlagRepository) Set(ctx context.Context, name string, enabled bool) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"enabled", "updated_at"}),
		}).
		Create(&model.FeatureFlag{Name: name, Enabled: enabled}).Error
}
