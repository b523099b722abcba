package submitter

import (
	"context"
	"errors"
	"fmt"

	"posqueue/internal/infrastructure/mq"
	"posqueue/internal/model"

	"github.com/IBM/sarama"
)

// KafkaSubmitter 把交易写入后台消费的 Kafka topic
//
// 写入成功即视为同步成功，服务端交易号记为 topic/partition/offset；
// 冲突由后台消费后通过其他通道反馈，这里不会产生 Conflict
type KafkaSubmitter struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaSubmitter(producer sarama.SyncProducer, topic string) *KafkaSubmitter {
	return &KafkaSubmitter{producer: producer, topic: topic}
}

type sendResult struct {
	partition int32
	offset    int64
	err       error
}

func (s *KafkaSubmitter) Submit(ctx context.Context, rec *model.TransactionRecord) (Outcome, error) {
	body, err := EncodePayload(rec)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode payload: %w", err)
	}

	// SyncProducer 不支持 context，放到 goroutine 中等待
	done := make(chan sendResult, 1)
	go func() {
		partition, offset, err := mq.SendMessage(s.producer, s.topic, rec.ID, body)
		done <- sendResult{partition: partition, offset: offset, err: err}
	}()

	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case res := <-done:
		if res.err != nil {
			if errors.Is(res.err, sarama.ErrMessageSizeTooLarge) || errors.Is(res.err, sarama.ErrInvalidMessage) {
				return Rejected(res.err.Error()), nil
			}
			return TransientFailure(res.err.Error()), nil
		}
		return Success(fmt.Sprintf("%s/%d/%d", s.topic, res.partition, res.offset)), nil
	}
}
