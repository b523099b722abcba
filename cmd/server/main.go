package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"posqueue/internal/app"
	"posqueue/internal/config"

	"github.com/gin-gonic/gin"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()})))
	gin.SetMode(gin.ReleaseMode)

	// 创建上下文（用于优雅关闭）
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 初始化存储、Redis、Kafka 和各个服务
	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("初始化失败", "error", err)
		os.Exit(1)
	}

	// 启动调度器和后台任务
	if err := a.Start(ctx); err != nil {
		slog.Error("启动后台任务失败", "error", err)
		_ = a.Shutdown(context.Background())
		os.Exit(1)
	}

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("服务启动", "port", cfg.Server.Port, "device_id", cfg.Device.ID)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// 等待中断信号
	exitCode := 0
	select {
	case <-ctx.Done():
		slog.Info("正在关闭服务...")
	case err := <-serveErr:
		slog.Error("服务启动失败", "error", err)
		exitCode = 1
	}

	// 先停止接收请求，再停止同步任务；正在提交的记录会落地后退出
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP 服务关闭异常", "error", err)
	}
	if err := a.Shutdown(shutdownCtx); err != nil {
		slog.Warn("关闭离线队列异常", "error", err)
	}

	slog.Info("服务已关闭")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
