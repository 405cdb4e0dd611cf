package service

import (
	"context"
	"errors"
	"fmt"

	"paysupport/internal/model"
	"paysupport/internal/platform"
	"paysupport/internal/repository"

	"go.uber.org/zap"
)

const PaymentEventCheckoutCompleted = "checkout.completed"

// PaymentEvent 支付渠道回调，验签通过后才会解析成这个结构
type PaymentEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		TransactionID string `json:"transaction_id"`
		UserID        string `json:"user_id"`
		PaymentRef    string `json:"payment_ref"`
	} `json:"data"`
}

type PaymentWebhookService struct {
	guard        *IdempotencyGuard
	transactions *repository.TransactionRepository
	chat         platform.ChatClient
	events       *EventPublisher
	log          *zap.Logger
}

func NewPaymentWebhookService(guard *IdempotencyGuard, transactions *repository.TransactionRepository, chat platform.ChatClient, events *EventPublisher, log *zap.Logger) *PaymentWebhookService {
	return &PaymentWebhookService{guard: guard, transactions: transactions, chat: chat, events: events, log: log}
}

// Handle 处理支付回调，只关心 checkout.completed，重复事件直接忽略
func (s *PaymentWebhookService) Handle(ctx context.Context, evt PaymentEvent) error {
	if evt.Type != PaymentEventCheckoutCompleted {
		s.log.Debug("忽略支付事件", zap.String("event_id", evt.ID), zap.String("type", evt.Type))
		return nil
	}

	if s.guard.IsDuplicate(ctx, evt.ID, model.EventSourcePayment) {
		s.log.Info("重复的支付回调", zap.String("event_id", evt.ID))
		return nil
	}

	txnID, userID := evt.Data.TransactionID, evt.Data.UserID
	var extra map[string]interface{}
	if evt.Data.PaymentRef != "" {
		extra = map[string]interface{}{"payment_ref": evt.Data.PaymentRef}
	}
	err := s.transactions.UpdateStatus(ctx, nil, txnID, userID,
		model.TransactionStatusPending, model.TransactionStatusSuccess, extra)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionStatusInvalid) {
			s.log.Info("交易不是待支付状态，忽略回调", zap.String("transaction_id", txnID))
			return nil
		}
		s.guard.Release(ctx, evt.ID, model.EventSourcePayment)
		return fmt.Errorf("更新交易状态失败: %w", err)
	}

	txn, err := s.transactions.GetByIDForUser(ctx, txnID, userID)
	if err != nil {
		return fmt.Errorf("查询交易失败: %w", err)
	}

	if txn.ChannelURL != "" {
		text := fmt.Sprintf("交易 %s 已支付成功，金额 %s", txn.ID, txn.Amount.StringFixed(2))
		if err := s.chat.SendMessage(ctx, txn.ChannelURL, text); err != nil {
			s.log.Warn("发送支付成功通知失败", zap.String("transaction_id", txn.ID), zap.Error(err))
		}
	}

	_ = s.events.Publish(ctx, txn.ChannelURL, EventPaymentSucceeded, map[string]interface{}{
		"transaction_id": txn.ID,
		"user_id":        txn.UserID,
		"payment_ref":    evt.Data.PaymentRef,
		"amount":         txn.Amount.StringFixed(2),
	})
	_ = s.events.Notify(ctx, txn.UserID, "支付成功", "交易 "+txn.ID+" 已支付成功")

	s.log.Info("支付回调处理完成", zap.String("event_id", evt.ID), zap.String("transaction_id", txn.ID))
	return nil
}
