package model

import "time"

// Coupon 服务问题补偿券，有效期内可用
type Coupon struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Code          string    `gorm:"type:varchar(32);uniqueIndex;not null" json:"code"`
	UserID        string    `gorm:"type:varchar(64);index;not null" json:"user_id"`
	TransactionID string    `gorm:"type:varchar(64);not null" json:"transaction_id"`
	ChannelURL    string    `gorm:"type:varchar(191)" json:"channel_url"`
	ExpiresAt     time.Time `gorm:"not null" json:"expires_at"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (Coupon) TableName() string {
	return "coupons"
}

// FeatureFlag 外部可切换的功能开关
type FeatureFlag struct {
	Name      string    `gorm:"type:varchar(64);primaryKey" json:"name"`
	Enabled   bool      `gorm:"not null" json:"enabled"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (FeatureFlag) TableName() string {
	return "feature_flags"
}
