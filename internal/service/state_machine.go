package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"posqueue/internal/model"
	"posqueue/internal/repository"

	"gorm.io/gorm"
)

var (
	// ErrStoreUnavailable 持久层故障，当前同步任务失败并交给调度器退避重试
	ErrStoreUnavailable = errors.New("存储不可用")
	// ErrInvalidTransition 记录当前状态不允许该流转，调用方跳过该记录
	ErrInvalidTransition = repository.ErrInvalidTransition
	ErrRecordNotFound    = repository.ErrRecordNotFound
	ErrConcurrentUpdate  = repository.ErrConcurrentUpdate
)

// InterruptedSyncError 进程在提交过程中退出，记录被恢复任务置为失败时使用的错误信息
const InterruptedSyncError = "sync interrupted"

// Clock 可替换的时间源
type Clock func() time.Time

// storeError 除了流转不合法 / 记录不存在 / 并发修改，其余持久层错误都视为存储不可用
func storeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repository.ErrInvalidTransition) ||
		errors.Is(err, repository.ErrRecordNotFound) ||
		errors.Is(err, repository.ErrConcurrentUpdate) ||
		errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// StateMachine 记录同步状态的唯一修改入口
//
//	beginSync     PENDING | FAILED(attempts<5) -> SYNCING
//	completeSync  SYNCING -> SYNCED
//	failSync      SYNCING -> FAILED，attempts + 1
//	rejectSync    SYNCING -> FAILED，attempts 直接置为上限
//	flagConflict  SYNCING -> CONFLICT，同一事务内写入冲突 outbox
type StateMachine struct {
	txRepo        *repository.TransactionRepository
	outboxRepo    *repository.OutboxRepository
	clock         Clock
	conflictTopic string
	logger        *slog.Logger
}

func NewStateMachine(db *gorm.DB, clock Clock, conflictTopic string) *StateMachine {
	if clock == nil {
		clock = time.Now
	}
	return &StateMachine{
		txRepo:        repository.NewTransactionRepository(db),
		outboxRepo:    repository.NewOutboxRepository(db),
		clock:         clock,
		conflictTopic: conflictTopic,
		logger:        slog.Default().With("component", "StateMachine"),
	}
}

func (m *StateMachine) BeginSync(ctx context.Context, id string) (*model.TransactionRecord, error) {
	rec, err := m.txRepo.Transition(ctx, id, model.SyncStatusSyncing, m.clock(), func(r *model.TransactionRecord) {
		stamp := r.UpdatedAt
		r.LastSyncAttempt = &stamp
	}, nil)
	return rec, storeError(err)
}

// CompleteSync serverTransactionID 可以为空
func (m *StateMachine) CompleteSync(ctx context.Context, id, serverTransactionID string) (*model.TransactionRecord, error) {
	rec, err := m.txRepo.Transition(ctx, id, model.SyncStatusSynced, m.clock(), func(r *model.TransactionRecord) {
		r.SyncError = ""
		r.ServerTransactionID = serverTransactionID
	}, nil)
	return rec, storeError(err)
}

func (m *StateMachine) FailSync(ctx context.Context, id, reason string) (*model.TransactionRecord, error) {
	rec, err := m.txRepo.Transition(ctx, id, model.SyncStatusFailed, m.clock(), func(r *model.TransactionRecord) {
		r.SyncAttempts++
		r.SyncError = truncateError(reason)
	}, nil)
	return rec, storeError(err)
}

// RejectSync 后台拒收的记录直接用尽重试次数，不再被自动选中
func (m *StateMachine) RejectSync(ctx context.Context, id, reason string) (*model.TransactionRecord, error) {
	rec, err := m.txRepo.Transition(ctx, id, model.SyncStatusFailed, m.clock(), func(r *model.TransactionRecord) {
		r.SyncAttempts++
		if r.SyncAttempts < model.MaxSyncAttempts {
			r.SyncAttempts = model.MaxSyncAttempts
		}
		r.SyncError = truncateError("rejected: " + reason)
	}, nil)
	return rec, storeError(err)
}

func (m *StateMachine) FlagConflict(ctx context.Context, id string, payload []byte) (*model.TransactionRecord, error) {
	rec, err := m.txRepo.Transition(ctx, id, model.SyncStatusConflict, m.clock(), func(r *model.TransactionRecord) {
		r.ConflictPayload = payload
		r.SyncError = ""
	}, func(tx *gorm.DB, r *model.TransactionRecord) error {
		return m.enqueueConflict(ctx, tx, r)
	})
	return rec, storeError(err)
}

func (m *StateMachine) enqueueConflict(ctx context.Context, tx *gorm.DB, rec *model.TransactionRecord) error {
	event := model.ConflictEvent{
		RecordID:      rec.ID,
		ReceiptNumber: rec.ReceiptNumber,
		StoreID:       rec.StoreID,
		DeviceID:      rec.DeviceID,
		Total:         rec.Total.String(),
		Payload:       rec.ConflictPayload,
		FlaggedAt:     rec.UpdatedAt,
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return m.outboxRepo.Create(ctx, tx, &model.OutboxMessage{
		MessageKey:    fmt.Sprintf("conflict:%s:%d", rec.ID, rec.Version),
		RecordID:      rec.ID,
		ReceiptNumber: rec.ReceiptNumber,
		Topic:         m.conflictTopic,
		Payload:       string(body),
		Status:        model.OutboxStatusPending,
	})
}

const maxSyncErrorLen = 512

// truncateError 按字节截断，不拆开多字节字符
func truncateError(reason string) string {
	if len(reason) <= maxSyncErrorLen {
		return reason
	}
	n := maxSyncErrorLen
	for n > 0 && !utf8.RuneStart(reason[n]) {
		n--
	}
	return reason[:n]
}
