package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"paysupport/internal/config"
	"paysupport/internal/model"
	"paysupport/internal/repository"
	"paysupport/pkg/async"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 事件类型
const (
	EventRefundStarted    = "refund.started"
	EventRefundDecided    = "refund.decided"
	EventRefundExecuted   = "refund.executed"
	EventRefundDeclined   = "refund.declined"
	EventCouponIssued     = "coupon.issued"
	EventTicketCreated    = "ticket.created"
	EventPaymentSucceeded = "payment.succeeded"
	EventPushNotification = "push.notification"
)

type supportEvent struct {
	Event      string                 `json:"event"`
	OccurredAt string                 `json:"occurred_at"`
	Data       map[string]interface{} `json:"data"`
}

// EventPublisher 客服事件写入 outbox，由 job.OutboxSender 投递到 Kafka
type EventPublisher struct {
	outbox *repository.OutboxRepository
	topics config.KafkaTopicConfig
	gate   *FeatureGate
	log    *zap.Logger
}

func NewEventPublisher(outbox *repository.OutboxRepository, topics config.KafkaTopicConfig, gate *FeatureGate, log *zap.Logger) *EventPublisher {
	return &EventPublisher{outbox: outbox, topics: topics, gate: gate, log: log}
}

// Record 在调用方的事务里写入事件，与业务数据一起提交或回滚
func (p *EventPublisher) Record(ctx context.Context, tx *gorm.DB, key, event string, data map[string]interface{}) error {
	return p.write(ctx, tx, p.topics.SupportEvents, key, event, data)
}

// Publish 事务外的分析事件，写失败只记日志
func (p *EventPublisher) Publish(ctx context.Context, key, event string, data map[string]interface{}) *async.Task {
	return async.Go(ctx, p.log, event, func(ctx context.Context) error {
		return p.write(ctx, nil, p.topics.SupportEvents, key, event, data)
	})
}

// Notify 推送通知，secondary_channels 关闭时什么都不做
func (p *EventPublisher) Notify(ctx context.Context, userID, title, body string) *async.Task {
	if !p.gate.Enabled(ctx, FeatureSecondaryChannels) {
		return async.Done(nil)
	}
	return async.Go(ctx, p.log, EventPushNotification, func(ctx context.Context) error {
		return p.write(ctx, nil, p.topics.Notifications, userID, EventPushNotification, map[string]interface{}{
			"user_id": userID,
			"title":   title,
			"body":    body,
		})
	})
}

func (p *EventPublisher) write(ctx context.Context, tx *gorm.DB, topic, key, event string, data map[string]interface{}) error {
	payload, err := json.Marshal(supportEvent{
		Event:      event,
		OccurredAt: time.Now().Format(time.RFC3339),
		Data:       data,
	})
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}

	return p.outbox.Create(ctx, tx, &model.OutboxMessage{
		MessageKey: key,
		Topic:      topic,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	})
}
