package mq

import (
	"paysupport/internal/config"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// InitKafka 初始化 Kafka 同步生产者
// 客服事件只是分析/通知用途，Kafka 不可用时返回 nil，由 outbox 积压等待恢复，不影响主流程
func InitKafka(cfg *config.KafkaConfig, log *zap.Logger) sarama.SyncProducer {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll // 等待所有副本确认
	kafkaConfig.Producer.Retry.Max = 3                    // 重试次数
	kafkaConfig.Producer.Return.Successes = true          // 返回成功消息

	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafkaConfig)
	if err != nil {
		log.Warn("创建 Kafka 生产者失败，事件将积压在 outbox", zap.Error(err))
		return nil
	}

	log.Info("Kafka 生产者创建成功", zap.Strings("brokers", cfg.Brokers))
	return producer
}

// SendMessage 发送消息到 Kafka，key 相同的消息进入同一分区保证顺序
func SendMessage(producer sarama.SyncProducer, topic, key, value string) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	}

	_, _, err := producer.SendMessage(msg)
	return err
}
