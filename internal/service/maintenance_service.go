package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"posqueue/internal/infrastructure/database"
	"posqueue/internal/repository"

	"gorm.io/gorm"
)

// CleanupReport 一次清理的结果
type CleanupReport struct {
	SyncedDeleted int64  `json:"synced_deleted"`
	FailedDeleted int64  `json:"failed_deleted"`
	Compacted     bool   `json:"compacted"`
	CompactError  string `json:"compact_error,omitempty"`
}

func (r CleanupReport) Deleted() int64 {
	return r.SyncedDeleted + r.FailedDeleted
}

type MaintenanceConfig struct {
	SyncedRetention time.Duration
	FailedRetention time.Duration
}

// MaintenanceService 过期记录清理、存储压缩、中断记录恢复
//
// PENDING / SYNCING / CONFLICT 记录不论多旧都不会被删除
type MaintenanceService struct {
	db      *gorm.DB
	txRepo  *repository.TransactionRepository
	machine *StateMachine
	cfg     MaintenanceConfig
	clock   Clock
	compact func(ctx context.Context, db *gorm.DB) error
	logger  *slog.Logger
}

func NewMaintenanceService(db *gorm.DB, machine *StateMachine, cfg MaintenanceConfig, clock Clock) *MaintenanceService {
	if clock == nil {
		clock = time.Now
	}
	return &MaintenanceService{
		db:      db,
		txRepo:  repository.NewTransactionRepository(db),
		machine: machine,
		cfg:     cfg,
		clock:   clock,
		compact: database.Compact,
		logger:  slog.Default().With("component", "Maintenance"),
	}
}

// Cleanup 删除超过保留期的 SYNCED 和已用尽重试的 FAILED 记录，然后压缩存储
//
// 压缩失败不影响删除结果，只在报告中标记
func (s *MaintenanceService) Cleanup(ctx context.Context) (*CleanupReport, error) {
	now := s.clock()
	report := &CleanupReport{}

	var err error
	report.SyncedDeleted, err = s.txRepo.DeleteSyncedBefore(ctx, now.Add(-s.cfg.SyncedRetention))
	if err != nil {
		return nil, storeError(err)
	}
	report.FailedDeleted, err = s.txRepo.DeleteExhaustedFailedBefore(ctx, now.Add(-s.cfg.FailedRetention))
	if err != nil {
		return nil, storeError(err)
	}

	if err := s.compact(ctx, s.db); err != nil {
		report.CompactError = err.Error()
		s.logger.Warn("存储压缩失败", "error", err)
	} else {
		report.Compacted = true
	}

	s.logger.Info("清理完成",
		"synced_deleted", report.SyncedDeleted,
		"failed_deleted", report.FailedDeleted,
		"compacted", report.Compacted,
	)
	return report, nil
}

// RecoverStale 把 SYNCING 超过 staleAfter 的记录置为 FAILED
//
// 进程在提交过程中退出会留下这类记录，恢复后按普通失败计入重试次数
func (s *MaintenanceService) RecoverStale(ctx context.Context, staleAfter time.Duration, limit int) (int, error) {
	records, err := s.txRepo.ListStaleSyncing(ctx, s.clock().Add(-staleAfter), limit)
	if err != nil {
		return 0, storeError(err)
	}

	recovered := 0
	for _, rec := range records {
		_, err := s.machine.FailSync(ctx, rec.ID, InterruptedSyncError)
		if err != nil {
			if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrRecordNotFound) || errors.Is(err, ErrConcurrentUpdate) {
				continue
			}
			return recovered, err
		}
		recovered++
		s.logger.Warn("恢复中断的同步记录", "record_id", rec.ID, "receipt_no", rec.ReceiptNumber)
	}
	return recovered, nil
}
