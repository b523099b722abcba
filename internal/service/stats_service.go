package service

import (
	"context"
	"time"

	"posqueue/internal/model"
	"posqueue/internal/repository"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	secondsPerRecord = 2
	secondsPerItem   = 1
)

// QueueStats 离线队列统计
type QueueStats struct {
	Total             int64                    `json:"total"`
	Pending           int64                    `json:"pending"`
	Syncing           int64                    `json:"syncing"`
	Synced            int64                    `json:"synced"`
	Failed            int64                    `json:"failed"`
	Conflict          int64                    `json:"conflict"`
	RetryExhausted    int64                    `json:"retry_exhausted"`
	PendingByPriority map[model.Priority]int64 `json:"pending_by_priority"`
	PendingAmount     decimal.Decimal          `json:"pending_amount"`
	SyncedTodayAmount decimal.Decimal          `json:"synced_today_amount"`
	OldestPending     *time.Time               `json:"oldest_pending,omitempty"`
	NewestPending     *time.Time               `json:"newest_pending,omitempty"`
	EligibleRecords   int64                    `json:"eligible_records"`
	EstimatedSyncTime time.Duration            `json:"-"`
	EstimatedSeconds  int64                    `json:"estimated_sync_seconds"`
	ConflictsQueued   int64                    `json:"conflicts_queued"`
	GeneratedAt       time.Time                `json:"generated_at"`
}

// StatsService 只读统计，所有查询在同一个事务内执行，结果来自同一个快照
type StatsService struct {
	db       *gorm.DB
	clock    Clock
	location *time.Location
}

// NewStatsService location 决定“今天”的边界，nil 时使用本地时区
func NewStatsService(db *gorm.DB, clock Clock, location *time.Location) *StatsService {
	if clock == nil {
		clock = time.Now
	}
	if location == nil {
		location = time.Local
	}
	return &StatsService{db: db, clock: clock, location: location}
}

// StartOfDay loc 时区当天零点
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

func (s *StatsService) Stats(ctx context.Context) (*QueueStats, error) {
	now := s.clock()
	stats := &QueueStats{
		PendingByPriority: make(map[model.Priority]int64, len(model.Priorities)),
		PendingAmount:     decimal.Zero,
		SyncedTodayAmount: decimal.Zero,
		GeneratedAt:       now.UTC(),
	}
	for _, p := range model.Priorities {
		stats.PendingByPriority[p] = 0
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txRepo := repository.NewTransactionRepository(tx)
		outboxRepo := repository.NewOutboxRepository(tx)

		counts, err := txRepo.CountByStatus(ctx)
		if err != nil {
			return err
		}
		for status, n := range counts {
			stats.Total += n
			switch status {
			case model.SyncStatusPending:
				stats.Pending = n
			case model.SyncStatusSyncing:
				stats.Syncing = n
			case model.SyncStatusSynced:
				stats.Synced = n
			case model.SyncStatusFailed:
				stats.Failed = n
			case model.SyncStatusConflict:
				stats.Conflict = n
			}
		}

		byPriority, err := txRepo.CountPendingByPriority(ctx)
		if err != nil {
			return err
		}
		for p, n := range byPriority {
			stats.PendingByPriority[p] = n
		}

		if stats.RetryExhausted, err = txRepo.CountRetryExhausted(ctx); err != nil {
			return err
		}
		if stats.PendingAmount, err = txRepo.PendingTotal(ctx); err != nil {
			return err
		}
		if stats.SyncedTodayAmount, err = txRepo.SyncedTotalSince(ctx, StartOfDay(now, s.location)); err != nil {
			return err
		}
		if stats.OldestPending, stats.NewestPending, err = txRepo.PendingTimeRange(ctx); err != nil {
			return err
		}

		records, items, err := txRepo.EligibleItemCount(ctx)
		if err != nil {
			return err
		}
		stats.EligibleRecords = records
		stats.EstimatedSeconds = records*secondsPerRecord + items*secondsPerItem
		stats.EstimatedSyncTime = time.Duration(stats.EstimatedSeconds) * time.Second

		stats.ConflictsQueued, err = outboxRepo.CountByStatus(ctx, model.OutboxStatusPending)
		return err
	})
	if err != nil {
		return nil, storeError(err)
	}
	return stats, nil
}
