package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"posqueue/internal/app"
	"posqueue/internal/job"
	"posqueue/internal/model"

	"github.com/spf13/cobra"
)

type syncOptions struct {
	kind      string
	priority  string
	batchSize int
	force     bool
}

func newSyncCommand(opts *RootOptions) *cobra.Command {
	so := &syncOptions{}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "在前台执行一次同步任务",
		Long: `在当前进程中执行一次同步任务并等待结果，不做网络和电量检查，也不退避重跑。

与服务进程共用同名任务锁（启用 Redis 时跨进程生效），同名任务正在执行时直接返回。
本次尝试的记录全部失败时退出码为 1。`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := so.request()
			if err != nil {
				return WrapExitError(ExitCommandError, "参数错误", err)
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				res, err := a.Scheduler.Execute(ctx, req)
				if err != nil {
					return WrapExitError(ExitCommandError, "同步失败", err)
				}
				if err := opts.formatter(cmd).Success(res, func(w io.Writer) {
					writeRunResult(w, res)
				}); err != nil {
					return err
				}
				if res.Outcome == job.OutcomeRetry {
					return NewExitError(ExitFailure, res.Message)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&so.kind, "kind", "immediate", "任务类型 (periodic|immediate|priority)")
	cmd.Flags().StringVar(&so.priority, "priority", "", "kind=priority 时同步的优先级 (HIGH|MEDIUM|LOW)，默认 HIGH")
	cmd.Flags().IntVar(&so.batchSize, "batch-size", 0, "本次最多同步的记录数，0 使用配置值")
	cmd.Flags().BoolVar(&so.force, "force", false, "跳过可同步记录检查")
	return cmd
}

func (o *syncOptions) request() (job.RunRequest, error) {
	kind, err := job.ParseRunKind(o.kind)
	if err != nil {
		return job.RunRequest{}, err
	}
	if o.batchSize < 0 {
		return job.RunRequest{}, fmt.Errorf("batch-size 不能为负数: %d", o.batchSize)
	}
	req := job.RunRequest{Kind: kind, BatchSize: o.batchSize, Force: o.force}

	if o.priority != "" {
		if kind != job.RunPriority {
			return job.RunRequest{}, fmt.Errorf("--priority 只能与 --kind=priority 一起使用")
		}
		p, err := model.ParsePriority(o.priority)
		if err != nil {
			return job.RunRequest{}, err
		}
		req.Priority = &p
	}
	return req, nil
}

func writeRunResult(w io.Writer, r *job.RunResult) {
	field(w, "run", r.Name)
	field(w, "outcome", r.Outcome)
	field(w, "synced", r.Synced)
	field(w, "failed", r.Failed)
	field(w, "conflicts", r.Conflicts)
	field(w, "skipped", r.Skipped)
	field(w, "message", r.Message)
}

func newCleanupCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "删除超过保留期的记录并压缩存储",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				report, err := a.Maintenance.Cleanup(ctx)
				if err != nil {
					return WrapExitError(ExitCommandError, "清理失败", err)
				}
				return opts.formatter(cmd).Success(report, func(w io.Writer) {
					field(w, "synced deleted", report.SyncedDeleted)
					field(w, "failed deleted", report.FailedDeleted)
					field(w, "compacted", report.Compacted)
					if report.CompactError != "" {
						field(w, "compact error", report.CompactError)
					}
				})
			})
		},
	}
}

func newRecoverCommand(opts *RootOptions) *cobra.Command {
	var (
		staleAfter time.Duration
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "把中断的 SYNCING 记录置为 FAILED",
		Long: `进程在提交过程中退出时会留下 SYNCING 记录。
recover 把超过 --stale-after 仍为 SYNCING 的记录按普通失败处理，之后由同步任务重试。`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return NewExitError(ExitCommandError, "limit 必须为正数")
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				after := staleAfter
				if after <= 0 {
					after = a.Config.Sync.StaleSyncingAfter
				}
				if after <= a.Config.Submission.Timeout {
					return NewExitError(ExitCommandError,
						fmt.Sprintf("stale-after 必须大于 submission.timeout (%s)", a.Config.Submission.Timeout))
				}
				n, err := a.Maintenance.RecoverStale(ctx, after, limit)
				if err != nil {
					return WrapExitError(ExitCommandError, "恢复失败", err)
				}
				return opts.formatter(cmd).Success(map[string]int{"recovered": n}, func(w io.Writer) {
					field(w, "recovered", n)
				})
			})
		},
	}

	cmd.Flags().DurationVar(&staleAfter, "stale-after", 0, "SYNCING 超过该时长视为中断，0 使用 sync.stale_syncing_after")
	cmd.Flags().IntVar(&limit, "limit", 100, "本次最多恢复的记录数")
	return cmd
}
