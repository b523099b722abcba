package job

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"posqueue/internal/service"
)

// MaintenanceJob 定时清理过期记录并压缩存储
type MaintenanceJob struct {
	svc      *service.MaintenanceService
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	logger   *slog.Logger
}

func NewMaintenanceJob(svc *service.MaintenanceService, interval time.Duration) *MaintenanceJob {
	return &MaintenanceJob{
		svc:      svc,
		interval: interval,
		stopCh:   make(chan struct{}),
		logger:   slog.Default().With("component", "MaintenanceJob"),
	}
}

func (j *MaintenanceJob) Start(ctx context.Context) {
	j.logger.Info("清理任务启动", "interval", j.interval)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("收到停止信号，任务退出")
			return
		case <-j.stopCh:
			j.logger.Info("任务停止")
			return
		case <-ticker.C:
			j.cleanup(ctx)
		}
	}
}

func (j *MaintenanceJob) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
}

func (j *MaintenanceJob) cleanup(ctx context.Context) {
	report, err := j.svc.Cleanup(ctx)
	if err != nil {
		j.logger.Error("清理失败", "error", err)
		return
	}
	if report.Deleted() > 0 {
		j.logger.Info("本次清理记录", "deleted", report.Deleted(), "compacted", report.Compacted)
	}
}

// StaleSyncingJob 把长时间停留在 SYNCING 的记录置为 FAILED，交给下一次同步重试
type StaleSyncingJob struct {
	svc        *service.MaintenanceService
	staleAfter time.Duration
	interval   time.Duration
	batchSize  int
	stopCh     chan struct{}
	stopOnce   sync.Once
	logger     *slog.Logger
}

func NewStaleSyncingJob(svc *service.MaintenanceService, staleAfter time.Duration) *StaleSyncingJob {
	interval := staleAfter / 2
	if interval < time.Second {
		interval = time.Second
	}
	return &StaleSyncingJob{
		svc:        svc,
		staleAfter: staleAfter,
		interval:   interval,
		batchSize:  50,
		stopCh:     make(chan struct{}),
		logger:     slog.Default().With("component", "StaleSyncingJob"),
	}
}

// Start 启动时先执行一次，恢复上次进程退出时遗留的记录
func (j *StaleSyncingJob) Start(ctx context.Context) {
	j.logger.Info("中断记录恢复任务启动", "stale_after", j.staleAfter)
	j.recover(ctx)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("收到停止信号，任务退出")
			return
		case <-j.stopCh:
			j.logger.Info("任务停止")
			return
		case <-ticker.C:
			j.recover(ctx)
		}
	}
}

func (j *StaleSyncingJob) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
}

func (j *StaleSyncingJob) recover(ctx context.Context) {
	n, err := j.svc.RecoverStale(ctx, j.staleAfter, j.batchSize)
	if err != nil {
		j.logger.Error("恢复中断记录失败", "error", err)
		return
	}
	if n > 0 {
		j.logger.Info("本次恢复中断记录", "count", n)
	}
}
