package handler

import (
	"github.com/gin-gonic/gin"
)

// SetupRouter 配置路由
func SetupRouter(d Deps) *gin.Engine {
	r := gin.New()

	// 注册中间件
	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	h := NewHandler(d)

	api := r.Group("/api/v1")
	{
		// 交易相关
		transactions := api.Group("/transactions")
		{
			transactions.POST("", h.CaptureTransaction)
			transactions.GET("", h.ListTransactions)
			transactions.GET("/:id", h.GetTransaction)
		}
		api.GET("/receipts/:receipt_no", h.GetByReceipt)

		// 同步相关
		sync := api.Group("/sync")
		{
			sync.POST("/immediate", h.TriggerImmediate)
			sync.POST("/priority", h.TriggerPriority)
			sync.POST("/cancel", h.CancelSync)
			sync.GET("/status", h.SyncStatus)
		}
		api.PUT("/device", h.UpdateDevice)

		// 统计与维护
		api.GET("/stats", h.GetStats)
		api.POST("/maintenance/cleanup", h.Cleanup)
		api.GET("/conflicts", h.ListConflicts)
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
