// Package cli 终端运维命令：查看队列、手动同步、清理和恢复
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"posqueue/internal/app"
	"posqueue/internal/config"

	"github.com/spf13/cobra"
	"gorm.io/gorm/logger"
)

// RootOptions 全局参数
type RootOptions struct {
	ConfigPath string
	Format     string // "text" | "json"
	Verbose    bool

	// appOptions 测试时替换提交通道和时钟
	appOptions []app.Option
}

var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queuectl",
		Short: "POS 离线交易队列运维工具",
		Long: `queuectl 直接打开终端本地的离线队列数据库，
用于查看队列状态、手动触发同步、清理过期记录和恢复中断的同步。`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("不支持的输出格式 %q，可选 %v", opts.Format, ValidFormats))
			}
			level := slog.LevelWarn
			if opts.Verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
			return nil
		},
	}

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return WrapExitError(ExitCommandError, "参数错误", err)
	})

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "config/config.yaml", "配置文件路径，为空时只使用默认值和环境变量")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "输出格式 (text|json)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "输出调试日志")

	cmd.AddCommand(newStatsCommand(opts))
	cmd.AddCommand(newShowCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newCleanupCommand(opts))
	cmd.AddCommand(newRecoverCommand(opts))

	return cmd
}

// Run 执行命令并返回退出码，错误按 --format 输出
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	return run(ctx, &RootOptions{}, args, stdout, stderr)
}

func run(ctx context.Context, opts *RootOptions, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCommand(opts)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}
	if !isValidFormat(opts.Format) {
		opts.Format = "text"
	}
	_ = opts.formatter(cmd).Error(err)
	return GetExitCode(err)
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// withApp 打开队列执行 fn，结束后关闭所有连接；不启动后台任务
func withApp(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.LoadConfig(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "加载配置失败", err)
	}

	level := logger.Silent
	if opts.Verbose {
		level = logger.Info
	}
	appOpts := append([]app.Option{app.WithGormLogLevel(level)}, opts.appOptions...)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.New(ctx, cfg, appOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "打开离线队列失败", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Shutdown(shutdownCtx); err != nil {
			slog.Warn("关闭离线队列失败", "error", err)
		}
	}()

	return fn(ctx, a)
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
	}
}
