package job

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"posqueue/internal/infrastructure/mq"
	"posqueue/internal/model"
	"posqueue/internal/repository"

	"github.com/IBM/sarama"
	"gorm.io/gorm"
)

const defaultOutboxMaxRetries = 5

// ConflictOutboxSender 把冲突 outbox 消息投递到 Kafka，交给外部冲突处理流程
type ConflictOutboxSender struct {
	outboxRepo *repository.OutboxRepository
	producer   sarama.SyncProducer
	interval   time.Duration
	batchSize  int
	maxRetries int
	clock      func() time.Time
	stopCh     chan struct{}
	stopOnce   sync.Once
	logger     *slog.Logger
}

func NewConflictOutboxSender(db *gorm.DB, producer sarama.SyncProducer) *ConflictOutboxSender {
	return &ConflictOutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		producer:   producer,
		interval:   time.Second,
		batchSize:  100,
		maxRetries: defaultOutboxMaxRetries,
		clock:      time.Now,
		stopCh:     make(chan struct{}),
		logger:     slog.Default().With("component", "ConflictOutboxSender"),
	}
}

func (s *ConflictOutboxSender) Start(ctx context.Context) {
	s.logger.Info("冲突消息发送任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("收到停止信号，任务退出")
			return
		case <-s.stopCh:
			s.logger.Info("任务停止")
			return
		case <-ticker.C:
			if _, err := s.Flush(ctx); err != nil {
				s.logger.Error("查询消息失败", "error", err)
			}
		}
	}
}

func (s *ConflictOutboxSender) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Flush 投递一批待发送消息，返回发送成功的条数
func (s *ConflictOutboxSender) Flush(ctx context.Context) (int, error) {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, msg := range messages {
		if s.send(ctx, msg) {
			sent++
		}
	}
	return sent, nil
}

func (s *ConflictOutboxSender) send(ctx context.Context, msg *model.OutboxMessage) bool {
	_, _, err := mq.SendMessage(s.producer, msg.Topic, msg.MessageKey, []byte(msg.Payload))
	if err == nil {
		if updateErr := s.outboxRepo.MarkSent(ctx, msg.ID, s.clock()); updateErr != nil {
			s.logger.Error("更新消息状态失败", "id", msg.ID, "error", updateErr)
			return false
		}
		s.logger.Info("冲突消息发送成功", "id", msg.ID, "topic", msg.Topic, "key", msg.MessageKey, "record_id", msg.RecordID)
		return true
	}

	s.logger.Warn("冲突消息发送失败", "id", msg.ID, "error", err)
	if err := s.outboxRepo.RecordFailure(ctx, msg, err.Error(), s.maxRetries); err != nil {
		s.logger.Error("记录发送失败次数失败", "id", msg.ID, "error", err)
		return false
	}
	if msg.Status == model.OutboxStatusFailed {
		s.logger.Error("消息超过最大重试次数，标记为失败", "id", msg.ID, "record_id", msg.RecordID)
	}
	return false
}
