package mq

import (
	"fmt"
	"log/slog"

	"posqueue/internal/config"

	"github.com/IBM/sarama"
)

// NewProducer 创建 Kafka 同步生产者
func NewProducer(cfg *config.KafkaConfig) (sarama.SyncProducer, error) {
	producer, err := sarama.NewSyncProducer(cfg.Brokers, ProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("创建 Kafka 生产者失败: %w", err)
	}
	slog.Info("Kafka 生产者创建成功", "component", "Kafka", "brokers", cfg.Brokers)
	return producer, nil
}

// ProducerConfig 生产者配置，测试中的 mocks.NewSyncProducer 也使用它
func ProducerConfig() *sarama.Config {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll // 等待所有副本确认
	kafkaConfig.Producer.Retry.Max = 3                    // 重试次数
	kafkaConfig.Producer.Return.Successes = true          // 返回成功消息
	return kafkaConfig
}

// SendMessage 发送一条消息，返回写入的分区和 offset
func SendMessage(producer sarama.SyncProducer, topic, key string, value []byte) (int32, int64, error) {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}
	return producer.SendMessage(msg)
}
