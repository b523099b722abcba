package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"posqueue/internal/config"
	"posqueue/internal/infrastructure/lock"
	"posqueue/internal/model"
	"posqueue/internal/service"
)

// ============================================================================
// 离线同步调度器
// ============================================================================
//
// 三种任务，每种有唯一的任务名：
//   offline_sync_periodic          周期任务，重复提交保留已有任务（KEEP）
//   offline_sync_immediate         立即任务，重复提交取消并替换已有任务（REPLACE）
//   offline_sync_priority_<tier>   指定优先级任务（KEEP）
//
// 同名任务在执行期间持有同名的任务锁，多进程共享队列时由 Redis 锁保证单飞。
// 不同任务之间可以并发，记录级别的互斥由 beginSync 保证。
//
// ============================================================================

type RunKind int

const (
	RunPeriodic RunKind = iota
	RunImmediate
	RunPriority
)

func (k RunKind) String() string {
	switch k {
	case RunPeriodic:
		return "periodic"
	case RunImmediate:
		return "immediate"
	case RunPriority:
		return "priority"
	}
	return fmt.Sprintf("run(%d)", int(k))
}

// ParseRunKind 解析 periodic / immediate / priority
func ParseRunKind(v string) (RunKind, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "periodic":
		return RunPeriodic, nil
	case "immediate":
		return RunImmediate, nil
	case "priority":
		return RunPriority, nil
	}
	return 0, fmt.Errorf("未知的任务类型: %q", v)
}

const (
	RunNamePeriodic       = "offline_sync_periodic"
	RunNameImmediate      = "offline_sync_immediate"
	runNamePriorityPrefix = "offline_sync_priority_"
)

// RunRequest 一次同步任务的触发参数，BatchSize 为 0 时使用该类任务的默认值
type RunRequest struct {
	Kind      RunKind
	Priority  *model.Priority
	BatchSize int
	Force     bool
}

// Name 任务名，用于去重和加锁
func (r RunRequest) Name() string {
	switch r.Kind {
	case RunPeriodic:
		return RunNamePeriodic
	case RunPriority:
		tier := model.PriorityHigh
		if r.Priority != nil {
			tier = *r.Priority
		}
		return runNamePriorityPrefix + strings.ToLower(string(tier))
	}
	return RunNameImmediate
}

type RunOutcome string

const (
	OutcomeSuccess              RunOutcome = "success"
	OutcomeSuccessWithConflicts RunOutcome = "success_with_conflicts"
	// OutcomeRetry 本次尝试的记录全部失败，调度器会退避后重跑
	OutcomeRetry RunOutcome = "retry"
	// OutcomeFailure 存储不可用或重跑次数用尽
	OutcomeFailure  RunOutcome = "failure"
	OutcomeCanceled RunOutcome = "canceled"
)

// RunResult 一次任务的结果
type RunResult struct {
	Name        string     `json:"name"`
	Outcome     RunOutcome `json:"outcome"`
	Synced      int        `json:"synced"`
	Failed      int        `json:"failed"`
	Conflicts   int        `json:"conflicts"`
	Skipped     int        `json:"skipped"`
	Attempts    int        `json:"attempts"`
	Message     string     `json:"message"`
	CompletedAt time.Time  `json:"completed_at"`
}

// Conditions 任务执行前需要满足的设备条件
type Conditions interface {
	Connected(ctx context.Context) bool
	BatteryLow() bool
}

type SchedulerConfig struct {
	PeriodicInterval       time.Duration
	PeriodicBatchSize      int
	ImmediateBatchSize     int
	PriorityBatchSize      int
	PeriodicBackoff        time.Duration
	ImmediateBackoff       time.Duration
	MaxBackoff             time.Duration
	MaxRunRetries          int
	ConstraintPollInterval time.Duration
	RunTimeout             time.Duration
}

// NewSchedulerConfig 从 sync.* 配置项构建
func NewSchedulerConfig(cfg *config.SyncConfig) SchedulerConfig {
	return SchedulerConfig{
		PeriodicInterval:       cfg.PeriodicInterval,
		PeriodicBatchSize:      cfg.PeriodicBatchSize,
		ImmediateBatchSize:     cfg.ImmediateBatchSize,
		PriorityBatchSize:      cfg.PriorityBatchSize,
		PeriodicBackoff:        cfg.PeriodicBackoff,
		ImmediateBackoff:       cfg.ImmediateBackoff,
		MaxBackoff:             cfg.MaxBackoff,
		MaxRunRetries:          cfg.MaxRunRetries,
		ConstraintPollInterval: cfg.ConstraintPollInterval,
		RunTimeout:             cfg.RunTimeout,
	}
}

// BackoffDelay 第 attempt 次重跑前的等待时间：initial * 2^(attempt-1)，不超过 max
func BackoffDelay(initial time.Duration, attempt int, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		if max > 0 && delay >= max {
			break
		}
		delay *= 2
	}
	if max > 0 && delay > max {
		delay = max
	}
	return delay
}

var ErrSchedulerStopped = errors.New("调度器已停止")

type runHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// SchedulerStatus 调度器当前状态
type SchedulerStatus struct {
	Active []string              `json:"active"`
	Last   map[string]*RunResult `json:"last"`
}

type Scheduler struct {
	selector *service.BatchSelector
	engine   *service.SyncEngine
	locker   lock.Locker
	conds    Conditions
	cfg      SchedulerConfig
	clock    service.Clock
	logger   *slog.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	stopped bool
	runs    map[string]*runHandle
	last    map[string]*RunResult
}

func NewScheduler(selector *service.BatchSelector, engine *service.SyncEngine, locker lock.Locker, conds Conditions, cfg SchedulerConfig, clock service.Clock) *Scheduler {
	if clock == nil {
		clock = time.Now
	}
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		selector:   selector,
		engine:     engine,
		locker:     locker,
		conds:      conds,
		cfg:        cfg,
		clock:      clock,
		logger:     slog.Default().With("component", "Scheduler"),
		baseCtx:    ctx,
		cancelBase: cancel,
		runs:       make(map[string]*runHandle),
		last:       make(map[string]*RunResult),
	}
}

// Start 启动周期任务，首次执行不等待间隔
func (s *Scheduler) Start() error {
	if _, err := s.SchedulePeriodic(); err != nil {
		return err
	}
	s.logger.Info("调度器启动", "periodic_interval", s.cfg.PeriodicInterval)
	return nil
}

// Stop 取消所有任务并等待退出
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.cancelBase()
	s.wg.Wait()
	s.logger.Info("调度器已停止")
}

// CancelAll 取消周期任务和所有未完成的一次性任务，调度器仍可继续接收新任务
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	handles := make([]*runHandle, 0, len(s.runs))
	for _, h := range s.runs {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	for _, h := range handles {
		<-h.done
	}
	s.logger.Info("已取消全部同步任务", "count", len(handles))
	return len(handles)
}

func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := SchedulerStatus{
		Active: make([]string, 0, len(s.runs)),
		Last:   make(map[string]*RunResult, len(s.last)),
	}
	for name := range s.runs {
		status.Active = append(status.Active, name)
	}
	sort.Strings(status.Active)
	for name, res := range s.last {
		copied := *res
		status.Last[name] = &copied
	}
	return status
}

// LastResult 指定任务最近一次的结果
func (s *Scheduler) LastResult(name string) (*RunResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.last[name]
	if !ok {
		return nil, false
	}
	copied := *res
	return &copied, true
}

// SchedulePeriodic 已有周期任务时保留原任务，返回 false
func (s *Scheduler) SchedulePeriodic() (bool, error) {
	return s.spawn(RunNamePeriodic, false, func(ctx context.Context) {
		s.periodicLoop(ctx)
	})
}

// ScheduleImmediate 取消已有的立即任务，新任务在其退出后才开始，两个立即任务不会同时执行
func (s *Scheduler) ScheduleImmediate(force bool) error {
	req := RunRequest{Kind: RunImmediate, Force: force}
	_, err := s.spawn(RunNameImmediate, true, func(ctx context.Context) {
		s.runOnce(ctx, req)
	})
	return err
}

// SchedulePriority 同一优先级已有任务时保留原任务，返回 false
func (s *Scheduler) SchedulePriority(priority model.Priority, batchSize int) (bool, error) {
	if !priority.Valid() {
		return false, fmt.Errorf("%w: priority=%q", model.ErrInvalidEnum, priority)
	}
	req := RunRequest{Kind: RunPriority, Priority: &priority, BatchSize: batchSize}
	return s.spawn(req.Name(), false, func(ctx context.Context) {
		s.runOnce(ctx, req)
	})
}

// spawn 登记并启动任务。已有同名任务时：replace=false 保留原任务；
// replace=true 取消原任务，新任务等原任务退出后再执行
func (s *Scheduler) spawn(name string, replace bool, fn func(ctx context.Context)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false, ErrSchedulerStopped
	}

	var prevDone chan struct{}
	if existing, ok := s.runs[name]; ok {
		if !replace {
			return false, nil
		}
		existing.cancel()
		prevDone = existing.done
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	h := &runHandle{cancel: cancel, done: make(chan struct{})}
	s.runs[name] = h

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(h.done)
		defer cancel()
		defer func() {
			s.mu.Lock()
			if s.runs[name] == h {
				delete(s.runs, name)
			}
			s.mu.Unlock()
		}()

		if prevDone != nil {
			// 被替换的任务会在当前记录落地后退出
			<-prevDone
		}
		if ctx.Err() != nil {
			return
		}
		fn(ctx)
	}()
	return true, nil
}

func (s *Scheduler) periodicLoop(ctx context.Context) {
	interval := s.cfg.PeriodicInterval
	if interval <= 0 {
		interval = config.MinPeriodicInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.periodicTick(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("周期同步任务退出")
			return
		case <-ticker.C:
		}
	}
}

// periodicTick 条件不满足时跳过本轮，返回是否执行
func (s *Scheduler) periodicTick(ctx context.Context) bool {
	if !s.periodicAllowed(ctx) {
		s.logger.Debug("周期同步条件不满足，跳过本轮")
		return false
	}
	s.runOnce(ctx, RunRequest{Kind: RunPeriodic})
	return true
}

func (s *Scheduler) periodicAllowed(ctx context.Context) bool {
	if s.conds == nil {
		return true
	}
	return s.conds.Connected(ctx) && !s.conds.BatteryLow()
}

// waitConnected 立即任务和优先级任务只要求网络可用，不满足时轮询等待
func (s *Scheduler) waitConnected(ctx context.Context) error {
	if s.conds == nil {
		return nil
	}
	poll := s.cfg.ConstraintPollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}
	for !s.conds.Connected(ctx) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
	return nil
}

// runOnce 执行一次任务，失败时按退避策略重跑，每次执行前检查终端条件，最终结果记入 last
func (s *Scheduler) runOnce(ctx context.Context, req RunRequest) *RunResult {
	name := req.Name()
	if req.Kind != RunPeriodic {
		if err := s.waitConnected(ctx); err != nil {
			return s.finish(name, &RunResult{Outcome: OutcomeCanceled, Message: "等待网络时被取消"})
		}
	}

	initial := s.cfg.ImmediateBackoff
	if req.Kind == RunPeriodic {
		initial = s.cfg.PeriodicBackoff
	}

	for attempt := 1; ; attempt++ {
		res, err := s.Execute(ctx, req)
		switch {
		case err != nil && ctx.Err() != nil:
			res = s.partial(res, OutcomeCanceled, "任务被取消")
		case err != nil:
			s.logger.Error("同步任务失败", "run", name, "attempt", attempt, "error", err)
			res = s.partial(res, OutcomeFailure, err.Error())
		}
		res.Attempts = attempt

		if res.Outcome != OutcomeRetry && res.Outcome != OutcomeFailure {
			return s.finish(name, res)
		}
		if attempt > s.cfg.MaxRunRetries {
			res.Outcome = OutcomeFailure
			res.Message = fmt.Sprintf("重跑 %d 次后放弃: %s", s.cfg.MaxRunRetries, res.Message)
			return s.finish(name, res)
		}

		delay := BackoffDelay(initial, attempt, s.cfg.MaxBackoff)
		s.logger.Warn("同步任务将退避重跑", "run", name, "attempt", attempt, "delay", delay, "outcome", res.Outcome)
		select {
		case <-ctx.Done():
			return s.finish(name, s.partial(res, OutcomeCanceled, "退避等待时被取消"))
		case <-time.After(delay):
		}

		// 退避期间网络或电量可能变化，重跑前重新检查
		if req.Kind == RunPeriodic {
			if !s.periodicAllowed(ctx) {
				s.logger.Info("周期同步条件不满足，停止重跑", "run", name, "attempt", attempt)
				return s.finish(name, s.partial(res, OutcomeRetry, "网络或电量条件不满足，等待下一轮周期同步"))
			}
		} else if err := s.waitConnected(ctx); err != nil {
			return s.finish(name, s.partial(res, OutcomeCanceled, "等待网络时被取消"))
		}
	}
}

func (s *Scheduler) partial(res *RunResult, outcome RunOutcome, message string) *RunResult {
	if res == nil {
		res = &RunResult{}
	}
	res.Outcome = outcome
	res.Message = message
	return res
}

func (s *Scheduler) finish(name string, res *RunResult) *RunResult {
	res.Name = name
	if res.CompletedAt.IsZero() {
		res.CompletedAt = s.clock().UTC()
	}
	s.mu.Lock()
	s.last[name] = res
	s.mu.Unlock()
	return res
}

// Execute 同步执行一次任务，不做条件检查和重跑
//
// 同名任务在别处执行时直接返回成功；存储不可用时返回 error
func (s *Scheduler) Execute(ctx context.Context, req RunRequest) (*RunResult, error) {
	name := req.Name()
	result := &RunResult{Name: name}

	if s.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RunTimeout)
		defer cancel()
	}

	lease, err := s.locker.TryLock(ctx, name, s.lockTTL())
	if err != nil {
		if errors.Is(err, lock.ErrLockFailed) {
			result.Outcome = OutcomeSuccess
			result.Message = "同名任务正在执行"
			result.CompletedAt = s.clock().UTC()
			return result, nil
		}
		return nil, err
	}
	defer func() {
		if err := lease.Unlock(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("释放任务锁失败", "run", name, "error", err)
		}
	}()

	if !req.Force {
		eligible, err := s.selector.HasEligible(ctx)
		if err != nil {
			return nil, err
		}
		if !eligible {
			result.Outcome = OutcomeSuccess
			result.Message = "没有需要同步的记录"
			result.CompletedAt = s.clock().UTC()
			return result, nil
		}
	}

	mode := service.ModeImmediate
	switch req.Kind {
	case RunPeriodic:
		mode = service.ModePeriodic
	case RunPriority:
		mode = service.ModePriority
	}
	records, err := s.selector.Select(ctx, mode, req.Priority, s.batchSize(req))
	if err != nil {
		return nil, err
	}

	batch, err := s.engine.SyncBatch(ctx, records, func(p service.Progress) {
		s.logger.Debug("同步进度", "run", name, "current", p.Current, "total", p.Total, "record_id", p.RecordID, "outcome", p.Outcome)
	})
	result.Synced = batch.Synced
	result.Failed = batch.Failed
	result.Conflicts = batch.Conflicts
	result.Skipped = batch.Skipped
	if err != nil {
		return result, err
	}

	switch {
	case batch.AllFailed():
		result.Outcome = OutcomeRetry
	case batch.Conflicts > 0:
		result.Outcome = OutcomeSuccessWithConflicts
	default:
		result.Outcome = OutcomeSuccess
	}
	result.Message = fmt.Sprintf("synced %d, failed %d, conflicts %d", batch.Synced, batch.Failed, batch.Conflicts)
	result.CompletedAt = s.clock().UTC()

	s.logger.Info("同步任务完成",
		"run", name,
		"outcome", result.Outcome,
		"synced", result.Synced,
		"failed", result.Failed,
		"conflicts", result.Conflicts,
		"skipped", result.Skipped,
	)
	return result, nil
}

func (s *Scheduler) batchSize(req RunRequest) int {
	if req.BatchSize > 0 {
		return req.BatchSize
	}
	switch req.Kind {
	case RunPeriodic:
		return s.cfg.PeriodicBatchSize
	case RunPriority:
		return s.cfg.PriorityBatchSize
	}
	return s.cfg.ImmediateBatchSize
}

// lockTTL 锁的有效期覆盖整个任务，进程崩溃后自动过期
func (s *Scheduler) lockTTL() time.Duration {
	if s.cfg.RunTimeout > 0 {
		return s.cfg.RunTimeout + time.Minute
	}
	return 15 * time.Minute
}
