package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"posqueue/internal/app"
	"posqueue/internal/model"
	"posqueue/internal/repository"
	"posqueue/internal/service"

	"github.com/spf13/cobra"
)

func newStatsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "查看离线队列统计",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				stats, err := a.Stats.Stats(ctx)
				if err != nil {
					return WrapExitError(ExitCommandError, "统计失败", err)
				}
				return opts.formatter(cmd).Success(stats, func(w io.Writer) {
					writeStats(w, stats)
				})
			})
		},
	}
}

func writeStats(w io.Writer, s *service.QueueStats) {
	field(w, "total", s.Total)
	field(w, "pending", s.Pending)
	field(w, "syncing", s.Syncing)
	field(w, "synced", s.Synced)
	field(w, "failed", s.Failed)
	field(w, "conflict", s.Conflict)
	field(w, "exhausted", s.RetryExhausted)

	priorities := make([]string, 0, len(s.PendingByPriority))
	for p := range s.PendingByPriority {
		priorities = append(priorities, string(p))
	}
	sort.Strings(priorities)
	for _, p := range priorities {
		field(w, "pending "+p, s.PendingByPriority[model.Priority(p)])
	}

	field(w, "pending amount", s.PendingAmount.StringFixed(2))
	field(w, "synced today", s.SyncedTodayAmount.StringFixed(2))
	if s.OldestPending != nil {
		field(w, "oldest pending", s.OldestPending.UTC().Format(time.RFC3339))
	}
	if s.NewestPending != nil {
		field(w, "newest pending", s.NewestPending.UTC().Format(time.RFC3339))
	}
	field(w, "eligible", s.EligibleRecords)
	field(w, "estimated", s.EstimatedSyncTime)
	field(w, "conflicts out", s.ConflictsQueued)
}

func newShowCommand(opts *RootOptions) *cobra.Command {
	var receipt bool

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "查看一条离线交易",
		Long:  "按记录 ID 查看离线交易，--receipt 时参数按小票号查询。",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				repo := repository.NewTransactionRepository(a.DB)
				var (
					rec *model.TransactionRecord
					err error
				)
				if receipt {
					rec, err = repo.GetByReceiptNumber(ctx, args[0])
				} else {
					rec, err = repo.GetByID(ctx, args[0])
				}
				if errors.Is(err, repository.ErrRecordNotFound) {
					return WrapExitError(ExitFailure, "记录不存在", err)
				}
				if err != nil {
					return WrapExitError(ExitCommandError, "查询失败", err)
				}
				return opts.formatter(cmd).Success(rec, func(w io.Writer) {
					writeRecord(w, rec)
				})
			})
		},
	}

	cmd.Flags().BoolVar(&receipt, "receipt", false, "按小票号查询")
	return cmd
}

func writeRecord(w io.Writer, r *model.TransactionRecord) {
	field(w, "id", r.ID)
	field(w, "receipt", r.ReceiptNumber)
	field(w, "store", r.StoreID)
	field(w, "status", r.SyncStatus)
	field(w, "priority", r.Priority)
	field(w, "payment", r.PaymentMethod)
	field(w, "total", r.Total.StringFixed(2))
	field(w, "attempts", r.SyncAttempts)
	if r.SyncError != "" {
		field(w, "error", r.SyncError)
	}
	if r.ServerTransactionID != "" {
		field(w, "server id", r.ServerTransactionID)
	}
	field(w, "created_at", r.CreatedAt.UTC().Format(time.RFC3339))
	field(w, "updated_at", r.UpdatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintln(w, "items:")
	for _, item := range r.LineItems() {
		fmt.Fprintf(w, "  %d x %s @ %s = %s\n", item.Quantity, item.Name, item.UnitPrice.StringFixed(2), item.TotalPrice.StringFixed(2))
	}
}

func field(w io.Writer, label string, value interface{}) {
	fmt.Fprintf(w, "%-16s %v\n", label+":", value)
}
