package repository

import (
	"context"

	"paysupport/internal/model"

	"gorm.io/gorm"
)

type CouponRepository struct {
	db *gorm.DB
}

func NewCouponRepository(db *gorm.DB) *CouponRepository {
	return &CouponRepository{db: db}
}

func (r *CouponRepository) Create(ctx context.Context, tx *gorm.DB, coupon *model.Coupon) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(coupon).Error
}

func (r *CouponRepository) ListByUser(ctx context.Context, userID string) ([]*model.Coupon, error) {
	var list []*model.Coupon
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Find(&list).Error
	return list, err
}
