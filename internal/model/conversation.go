package model

import "time"

const (
	EscalationStatusNone      = "none"
	EscalationStatusEscalated = "escalated"
)

const (
	PriorityNormal = "NORMAL"
	PriorityHigh   = "HIGH"
)

// ConversationState 会话工作记忆，每个 channel 一行，每条路由过的消息都会整体覆盖，不保留历史
type ConversationState struct {
	ChannelURL          string    `gorm:"type:varchar(191);primaryKey" json:"channel_url"`
	UserID              string    `gorm:"type:varchar(64);index;not null" json:"user_id"`
	ActiveTransactionID string    `gorm:"type:varchar(64)" json:"active_transaction_id"`
	LastIntent          string    `gorm:"type:varchar(32)" json:"last_intent"`
	RefundStage         string    `gorm:"type:varchar(32)" json:"refund_stage"`
	EscalationStatus    string    `gorm:"type:varchar(20);not null;default:'none'" json:"escalation_status"`
	Priority            string    `gorm:"type:varchar(10);not null;default:'NORMAL'" json:"priority"`
	UpdatedAt           time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ConversationState) TableName() string {
	return "conversation_states"
}

// ChannelMapping 客户会话 <-> 工单会话 的双向映射
// 创建工单时写入；检测到工单失效需要重新升级时删除
type ChannelMapping struct {
	ID                 int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	CustomerChannelURL string    `gorm:"type:varchar(191);uniqueIndex;not null" json:"customer_channel_url"`
	TicketChannelURL   string    `gorm:"type:varchar(191);uniqueIndex;not null" json:"ticket_channel_url"`
	TicketID           string    `gorm:"type:varchar(64);not null" json:"ticket_id"`
	CustomerID         string    `gorm:"type:varchar(64)" json:"customer_id"`
	UserID             string    `gorm:"type:varchar(64);index;not null" json:"user_id"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (ChannelMapping) TableName() string {
	return "channel_mappings"
}
