package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	RiskLevelLow    = "LOW"
	RiskLevelMedium = "MEDIUM"
	RiskLevelHigh   = "HIGH"
)

const (
	FraudActionApprove  = "APPROVE"
	FraudActionPartial  = "PARTIAL"
	FraudActionEscalate = "ESCALATE"
)

// FraudLog 风控评估审计表，每次评估都落一行，只追加
type FraudLog struct {
	ID             int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID         string          `gorm:"type:varchar(64);index;not null" json:"user_id"`
	TransactionID  string          `gorm:"type:varchar(64);index;not null" json:"transaction_id"`
	RefundAmount   decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"refund_amount"`
	RiskScore      int             `gorm:"not null" json:"risk_score"`
	RiskLevel      string          `gorm:"type:varchar(10);not null" json:"risk_level"`
	Action         string          `gorm:"type:varchar(10);not null" json:"action"`
	Triggers       datatypes.JSON  `json:"triggers"`
	Refunds30d     int64           `gorm:"column:refunds_30d" json:"refunds_30d"`
	Requests24h    int64           `gorm:"column:requests_24h" json:"requests_24h"`
	AccountAgeDays int             `json:"account_age_days"`
	CreatedAt      time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
}

func (FraudLog) TableName() string {
	return "fraud_logs"
}
