package handler

import (
	"log/slog"
	"net/http"
	"time"

	"posqueue/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	requestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
)

// RequestIDMiddleware 沿用终端传入的 X-Request-ID，没有时生成一个，并写回响应头
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// LoggerMiddleware 访问日志，5xx 记为 Error，4xx 记为 Warn；健康检查不记录
func LoggerMiddleware() gin.HandlerFunc {
	logger := slog.Default().With("component", "HTTP")
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if path == "/health" {
			c.Next()
			return
		}
		if query := c.Request.URL.RawQuery; query != "" {
			path = path + "?" + query
		}

		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
		}
		logger.Log(c.Request.Context(), level, "request",
			"request_id", c.GetString(requestIDKey),
			"status", status,
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
			"method", c.Request.Method,
			"path", path,
		)
	}
}

// RecoveryMiddleware panic 时返回统一的 500 响应，进程继续运行
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("panic",
					"component", "HTTP",
					"request_id", c.GetString(requestIDKey),
					"error", err,
					"path", c.Request.URL.Path,
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, response.Response{
					Code:    response.CodeServerError,
					Message: "服务器内部错误",
				})
			}
		}()
		c.Next()
	}
}

// CORSMiddleware 终端 WebView 从本地页面调用接口时需要
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, "+requestIDHeader)
		c.Header("Access-Control-Expose-Headers", requestIDHeader)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
