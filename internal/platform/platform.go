// Package platform 外部协作方的接口边界
//
// 聊天平台、工单平台、支付渠道、意图识别都只在这里以接口出现，
// 客服核心只依赖接口，HTTP 实现见同包的 *_client.go
package platform

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// 工单状态，PENDING / ACTIVE / IDLE / WIP 视为仍在处理
const (
	TicketStatusInitialized = "INITIALIZED"
	TicketStatusPending     = "PENDING"
	TicketStatusActive      = "ACTIVE"
	TicketStatusIdle        = "IDLE"
	TicketStatusWIP         = "WIP"
	TicketStatusClosed      = "CLOSED"
)

// TicketLive 工单是否仍有人跟进
// INITIALIZED 表示激活消息从未送达，和 CLOSED 一样当作失效
func TicketLive(status string) bool {
	switch status {
	case TicketStatusPending, TicketStatusActive, TicketStatusIdle, TicketStatusWIP:
		return true
	}
	return false
}

type ChatMessage struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Text      string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

type ChatClient interface {
	SendMessage(ctx context.Context, channelURL, text string) error
	// ListMessages 返回 since 之后的消息
	ListMessages(ctx context.Context, channelURL string, since time.Time) ([]ChatMessage, error)
	InviteUsers(ctx context.Context, channelURL string, userIDs []string) error
}

type Ticket struct {
	ID         string `json:"id"`
	ChannelURL string `json:"channel_url"`
	Status     string `json:"status"`
}

type CreateTicketRequest struct {
	CustomerID   string                 `json:"customer_id"`
	Title        string                 `json:"title"`
	Priority     string                 `json:"priority"`
	CustomFields map[string]interface{} `json:"custom_fields,omitempty"`
}

type DeskClient interface {
	GetOrCreateCustomer(ctx context.Context, userID string) (string, error)
	CreateTicket(ctx context.Context, req CreateTicketRequest) (*Ticket, error)
	GetTicket(ctx context.Context, ticketID string) (*Ticket, error)
}

type RefundRequest struct {
	TransactionID  string          `json:"transaction_id"`
	PaymentRef     string          `json:"payment_ref"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type RefundResult struct {
	RefundID string `json:"refund_id"`
	Status   string `json:"status"`
}

type PaymentClient interface {
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
	// RetryLink 为失败的交易生成重新支付链接
	RetryLink(ctx context.Context, userID, transactionID string) (string, error)
}

type IntentClient interface {
	Classify(ctx context.Context, text string) (string, error)
}
