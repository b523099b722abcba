// Package app wires the queue components together with an explicit
// New / Start / Shutdown lifecycle. Every component receives the handles it
// needs; nothing is kept in package-level state.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"posqueue/internal/config"
	"posqueue/internal/handler"
	"posqueue/internal/infrastructure/cache"
	"posqueue/internal/infrastructure/database"
	"posqueue/internal/infrastructure/lock"
	"posqueue/internal/infrastructure/mq"
	"posqueue/internal/job"
	"posqueue/internal/model"
	"posqueue/internal/service"
	"posqueue/internal/submitter"
	"posqueue/pkg/idgen"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type options struct {
	submitter submitter.Submitter
	producer  sarama.SyncProducer
	clock     service.Clock
	location  *time.Location
	gormLevel logger.LogLevel
}

type Option func(*options)

// WithSubmitter 替换按 submission.transport 创建的提交通道
func WithSubmitter(sub submitter.Submitter) Option {
	return func(o *options) { o.submitter = sub }
}

// WithProducer 使用已有的 Kafka 生产者，不再按 kafka.brokers 创建
func WithProducer(p sarama.SyncProducer) Option {
	return func(o *options) { o.producer = p }
}

func WithClock(clock service.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithLocation 统计“今天”使用的时区，默认本地时区
func WithLocation(loc *time.Location) Option {
	return func(o *options) { o.location = loc }
}

func WithGormLogLevel(level logger.LogLevel) Option {
	return func(o *options) { o.gormLevel = level }
}

// App 持有所有组件
type App struct {
	Config *config.Config

	DB       *gorm.DB
	Redis    *redis.Client
	Producer sarama.SyncProducer

	Machine     *service.StateMachine
	Selector    *service.BatchSelector
	Engine      *service.SyncEngine
	Capture     *service.CaptureService
	Stats       *service.StatsService
	Maintenance *service.MaintenanceService

	Conditions *job.DeviceConditions
	Scheduler  *job.Scheduler

	maintenanceJob *job.MaintenanceJob
	staleJob       *job.StaleSyncingJob
	conflictSender *job.ConflictOutboxSender

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	logger    *slog.Logger
}

// New 按配置打开存储和外部连接并组装组件，不启动任何后台任务
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	o := &options{gormLevel: logger.Warn}
	if cfg.Log.SlogLevel() == slog.LevelDebug {
		o.gormLevel = logger.Info
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.clock == nil {
		o.clock = time.Now
	}
	if o.location == nil {
		o.location = time.Local
	}

	a := &App{
		Config: cfg,
		logger: slog.Default().With("component", "App"),
	}

	db, err := database.Open(&cfg.Database, o.gormLevel)
	if err != nil {
		return nil, err
	}
	a.DB = db

	if err := a.connect(ctx, o); err != nil {
		_ = a.close()
		return nil, err
	}

	sub := o.submitter
	if sub == nil {
		sub, err = a.newSubmitter()
		if err != nil {
			_ = a.close()
			return nil, err
		}
	}

	ids, err := idgen.NewSnowflake(cfg.Device.WorkerID)
	if err != nil {
		_ = a.close()
		return nil, err
	}

	a.Machine = service.NewStateMachine(db, o.clock, cfg.Kafka.Topic.Conflict)
	a.Selector = service.NewBatchSelector(db)
	a.Engine = service.NewSyncEngine(a.Machine, sub, cfg.Submission.Timeout)
	a.Capture = service.NewCaptureService(db, ids, service.CaptureConfig{
		DeviceID:       cfg.Device.ID,
		DefaultStoreID: cfg.Device.StoreID,
		MaxQueueSize:   cfg.Queue.MaxSize,
		LargeAmount:    decimal.NewFromFloat(cfg.Queue.LargeAmount),
	}, o.clock)
	a.Stats = service.NewStatsService(db, o.clock, o.location)
	a.Maintenance = service.NewMaintenanceService(db, a.Machine, service.MaintenanceConfig{
		SyncedRetention: cfg.Maintenance.SyncedRetention,
		FailedRetention: cfg.Maintenance.FailedRetention,
	}, o.clock)

	var locker lock.Locker = lock.NewLocalLocker()
	if a.Redis != nil {
		locker = lock.NewRedisLocker(a.Redis)
	}
	a.Conditions = job.NewDeviceConditions(cfg.Sync.ConnectivityURL, cfg.Device.BatteryLow)
	a.Scheduler = job.NewScheduler(a.Selector, a.Engine, locker, a.Conditions, job.NewSchedulerConfig(&cfg.Sync), o.clock)

	// 新交易入队和网络恢复都会触发立即同步
	a.Capture.OnCapture(func(rec *model.TransactionRecord) {
		if err := a.Scheduler.ScheduleImmediate(false); err != nil {
			a.logger.Warn("触发立即同步失败", "record_id", rec.ID, "error", err)
		}
	})
	a.Conditions.OnReconnect(func() {
		if err := a.Scheduler.ScheduleImmediate(false); err != nil {
			a.logger.Warn("网络恢复后触发立即同步失败", "error", err)
		}
	})

	a.maintenanceJob = job.NewMaintenanceJob(a.Maintenance, cfg.Maintenance.Interval)
	a.staleJob = job.NewStaleSyncingJob(a.Maintenance, cfg.Sync.StaleSyncingAfter)
	if a.Producer != nil {
		a.conflictSender = job.NewConflictOutboxSender(db, a.Producer)
	}
	return a, nil
}

func (a *App) connect(ctx context.Context, o *options) error {
	cfg := a.Config
	if cfg.Redis.Enabled {
		rdb, err := cache.NewRedis(ctx, &cfg.Redis)
		if err != nil {
			return err
		}
		a.Redis = rdb
	}

	switch {
	case o.producer != nil:
		a.Producer = o.producer
	case cfg.Kafka.Enabled:
		producer, err := mq.NewProducer(&cfg.Kafka)
		if err != nil {
			return err
		}
		a.Producer = producer
	}
	return nil
}

func (a *App) newSubmitter() (submitter.Submitter, error) {
	cfg := a.Config
	switch cfg.Submission.Transport {
	case "http":
		return submitter.NewHTTPSubmitter(cfg.Submission.Endpoint, cfg.Submission.APIKey, cfg.Device.ID, cfg.Submission.Timeout), nil
	case "kafka":
		if a.Producer == nil {
			return nil, errors.New("submission.transport=kafka 需要 Kafka 生产者")
		}
		return submitter.NewKafkaSubmitter(a.Producer, cfg.Kafka.Topic.Submission), nil
	}
	return nil, fmt.Errorf("未知的 submission.transport: %q", cfg.Submission.Transport)
}

// Router HTTP 路由
func (a *App) Router() *gin.Engine {
	return handler.SetupRouter(handler.Deps{
		DB:          a.DB,
		Capture:     a.Capture,
		Stats:       a.Stats,
		Maintenance: a.Maintenance,
		Scheduler:   a.Scheduler,
		Device:      a.Conditions,
	})
}

// Start 启动调度器和后台任务
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	if err := a.Scheduler.Start(); err != nil {
		return err
	}

	a.goJob(func() { a.staleJob.Start(ctx) })
	a.goJob(func() { a.maintenanceJob.Start(ctx) })
	if a.conflictSender != nil {
		a.goJob(func() { a.conflictSender.Start(ctx) })
	}
	a.logger.Info("后台任务已启动", "conflict_sender", a.conflictSender != nil)
	return nil
}

func (a *App) goJob(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// Shutdown 停止后台任务并关闭所有连接，可以重复调用
func (a *App) Shutdown(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("等待后台任务退出超时")
	}
	return a.close()
}

func (a *App) close() error {
	var errs []error
	a.closeOnce.Do(func() {
		if a.Producer != nil {
			if err := a.Producer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("关闭 Kafka 生产者: %w", err))
			}
		}
		if a.Redis != nil {
			if err := a.Redis.Close(); err != nil {
				errs = append(errs, fmt.Errorf("关闭 Redis: %w", err))
			}
		}
		if a.DB != nil {
			if err := database.Close(a.DB); err != nil {
				errs = append(errs, fmt.Errorf("关闭数据库: %w", err))
			}
		}
	})
	return errors.Join(errs...)
}
