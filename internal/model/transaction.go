package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================================
// 交易状态常量
// ============================================================================

const (
	TransactionStatusPending  = "pending"
	TransactionStatusSuccess  = "success"
	TransactionStatusFailed   = "failed"
	TransactionStatusRefunded = "refunded"
)

// ValidTransactionTransitions 交易状态机
// 客服系统只负责 pending -> success（支付回调）和 success -> refunded（退款执行），
// 其余迁移由支付子系统完成，这里列出是为了校验时不误判
var ValidTransactionTransitions = map[string][]string{
	TransactionStatusPending: {TransactionStatusSuccess, TransactionStatusFailed},
	TransactionStatusFailed:  {TransactionStatusPending},
	TransactionStatusSuccess: {TransactionStatusRefunded},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidTransactionTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// ============================================================================
// 交易实体
// ============================================================================

// Transaction 支付交易表
// 归支付子系统所有，客服核心只读，唯一的写操作是 pending->success 和 success->refunded
//
// 【重要】所有查询必须带 user_id，防止用户通过猜交易号看到别人的交易
type Transaction struct {
	ID             string          `gorm:"type:varchar(64);primaryKey" json:"id"`
	UserID         string          `gorm:"type:varchar(64);index;not null" json:"user_id"`
	Amount         decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount"`
	RefundedAmount decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"refunded_amount"`
	Status         string          `gorm:"type:varchar(20);index;not null" json:"status"`
	PaymentRef     string          `gorm:"type:varchar(128)" json:"payment_ref"` // 支付渠道侧的扣款单号，退款时回传
	ChannelURL     string          `gorm:"type:varchar(255)" json:"channel_url"` // 发起支付的会话，支付回调后用于通知
	CreatedAt      time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Transaction) TableName() string {
	return "transactions"
}

// Refundable 只有支付成功且未退款的交易才能进入退款协商
func (t *Transaction) Refundable() bool {
	return t.Status == TransactionStatusSuccess
}
