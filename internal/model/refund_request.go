package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// 协商阶段：reason_asked -> policy_evaluated -> completed
const (
	RefundStageReasonAsked     = "reason_asked"
	RefundStagePolicyEvaluated = "policy_evaluated"
	RefundStageCompleted       = "completed"
)

const (
	RefundStatusPending  = "pending"
	RefundStatusApproved = "approved"
	RefundStatusRejected = "rejected"
	RefundStatusRefunded = "refunded"
)

// 用户可选的退款原因
const (
	RefundReasonDuplicate    = "duplicate"
	RefundReasonServiceIssue = "service_issue"
	RefundReasonAccidental   = "accidental"
	RefundReasonFraud        = "fraud"
	RefundReasonOther        = "other"
)

// RefundReasons 原因选项按展示顺序排列
var RefundReasons = []string{
	RefundReasonDuplicate,
	RefundReasonServiceIssue,
	RefundReasonAccidental,
	RefundReasonFraud,
	RefundReasonOther,
}

func IsValidRefundReason(reason string) bool {
	for _, r := range RefundReasons {
		if r == reason {
			return true
		}
	}
	return false
}

// RefundRequest 一次退款协商
// 唯一键 (user_id, transaction_id, channel_url)，只有协商状态机会修改它
//
// negotiation_attempts 单调递增，是防止用户反复提交原因"刷"决策表的关键字段
type RefundRequest struct {
	ID                  int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID              string          `gorm:"type:varchar(64);not null;uniqueIndex:ux_refund_negotiation,priority:1" json:"user_id"`
	TransactionID       string          `gorm:"type:varchar(64);not null;uniqueIndex:ux_refund_negotiation,priority:2" json:"transaction_id"`
	ChannelURL          string          `gorm:"type:varchar(191);not null;uniqueIndex:ux_refund_negotiation,priority:3" json:"channel_url"`
	RefundStage         string          `gorm:"type:varchar(32);not null" json:"refund_stage"`
	RefundReason        string          `gorm:"type:varchar(32)" json:"refund_reason"`
	NegotiationAttempts int             `gorm:"not null;default:0" json:"negotiation_attempts"`
	FinalDecision       string          `gorm:"type:varchar(20)" json:"final_decision"`
	DecisionReason      string          `gorm:"type:varchar(64)" json:"decision_reason"`
	OfferAmount         decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"offer_amount"`
	Status              string          `gorm:"type:varchar(20);index;not null" json:"status"`
	RefundNo            string          `gorm:"type:varchar(32);not null;default:''" json:"refund_no,omitempty"` // 第一次调用渠道前落库，之后的重试都用它做幂等键
	CouponCode          string          `gorm:"type:varchar(32)" json:"coupon_code,omitempty"`
	TicketID            string          `gorm:"type:varchar(64)" json:"ticket_id,omitempty"`
	CreatedAt           time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt           time.Time       `gorm:"autoUpdateTime;index" json:"updated_at"`
}

func (RefundRequest) TableName() string {
	return "refund_requests"
}

// Terminal 协商是否已经结束
func (r *RefundRequest) Terminal() bool {
	return r.RefundStage == RefundStageCompleted ||
		r.Status == RefundStatusRefunded ||
		r.Status == RefundStatusRejected
}
