package handler

import (
	"errors"
	"strconv"
	"time"

	"posqueue/internal/job"
	"posqueue/internal/model"
	"posqueue/internal/repository"
	"posqueue/internal/service"
	"posqueue/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// DeviceState 终端上报的网络和电量状态
type DeviceState interface {
	Online() bool
	BatteryLow() bool
	SetOnline(online bool)
	SetBatteryLow(low bool)
}

// Deps 处理器依赖，由 app 包组装
type Deps struct {
	DB          *gorm.DB
	Capture     *service.CaptureService
	Stats       *service.StatsService
	Maintenance *service.MaintenanceService
	Scheduler   *job.Scheduler
	Device      DeviceState
}

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	captureService     *service.CaptureService
	statsService       *service.StatsService
	maintenanceService *service.MaintenanceService
	scheduler          *job.Scheduler
	device             DeviceState
	txRepo             *repository.TransactionRepository
	outboxRepo         *repository.OutboxRepository
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		captureService:     d.Capture,
		statsService:       d.Stats,
		maintenanceService: d.Maintenance,
		scheduler:          d.Scheduler,
		device:             d.Device,
		txRepo:             repository.NewTransactionRepository(d.DB),
		outboxRepo:         repository.NewOutboxRepository(d.DB),
	}
}

// writeError 把服务层错误映射为响应码
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidCapture), errors.Is(err, model.ErrInvalidEnum):
		response.ParamError(c, err.Error())
	case errors.Is(err, service.ErrRecordNotFound):
		response.BusinessError(c, response.CodeRecordNotFound, err.Error())
	case errors.Is(err, service.ErrInvalidTransition):
		response.BusinessError(c, response.CodeInvalidTransition, err.Error())
	case errors.Is(err, service.ErrConcurrentUpdate):
		response.BusinessError(c, response.CodeConcurrentUpdate, err.Error())
	case errors.Is(err, repository.ErrDuplicateRecord):
		response.BusinessError(c, response.CodeDuplicateRecord, err.Error())
	case errors.Is(err, service.ErrQueueFull):
		response.BusinessError(c, response.CodeQueueFull, err.Error())
	case errors.Is(err, job.ErrSchedulerStopped):
		response.BusinessError(c, response.CodeSchedulerStopped, err.Error())
	case errors.Is(err, service.ErrStoreUnavailable):
		response.BusinessError(c, response.CodeStoreUnavailable, err.Error())
	default:
		response.ServerError(c, err.Error())
	}
}

// ============================================================
// 交易相关接口
// ============================================================

// CaptureTransaction 离线交易入队，入队后触发一次立即同步
// POST /api/v1/transactions
func (h *Handler) CaptureTransaction(c *gin.Context) {
	var req service.CaptureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	rec, err := h.captureService.Capture(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, rec)
}

// GetTransaction 按记录 ID 查询
// GET /api/v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	rec, err := h.txRepo.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, rec)
}

// GetByReceipt 按小票号查询
// GET /api/v1/receipts/:receipt_no
func (h *Handler) GetByReceipt(c *gin.Context) {
	rec, err := h.txRepo.GetByReceiptNumber(c.Request.Context(), c.Param("receipt_no"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, rec)
}

// ListTransactions 按条件查询交易，条件按以下顺序取第一个出现的：
// store_id、status(+priority)、payment_method、from+to、min_total+max_total、customer_id
// GET /api/v1/transactions?status=PENDING&priority=HIGH&order=priority&limit=20
func (h *Handler) ListTransactions(c *gin.Context) {
	opts, err := listOptions(c)
	if err != nil {
		response.ParamError(c, err.Error())
		return
	}

	ctx := c.Request.Context()
	var records []*model.TransactionRecord

	switch {
	case c.Query("store_id") != "":
		records, err = h.txRepo.ListByStore(ctx, c.Query("store_id"), opts)

	case c.Query("status") != "":
		status, perr := model.ParseSyncStatus(c.Query("status"))
		if perr != nil {
			response.ParamError(c, perr.Error())
			return
		}
		var priority model.Priority
		if v := c.Query("priority"); v != "" {
			if priority, perr = model.ParsePriority(v); perr != nil {
				response.ParamError(c, perr.Error())
				return
			}
		}
		records, err = h.txRepo.ListByStatusAndPriority(ctx, status, priority, opts)

	case c.Query("payment_method") != "":
		method, perr := model.ParsePaymentMethod(c.Query("payment_method"))
		if perr != nil {
			response.ParamError(c, perr.Error())
			return
		}
		records, err = h.txRepo.ListByPaymentMethod(ctx, method, opts)

	case c.Query("from") != "" || c.Query("to") != "":
		from, perr := time.Parse(time.RFC3339, c.Query("from"))
		if perr != nil {
			response.ParamError(c, "from 必须是 RFC3339 时间")
			return
		}
		to, perr := time.Parse(time.RFC3339, c.Query("to"))
		if perr != nil {
			response.ParamError(c, "to 必须是 RFC3339 时间")
			return
		}
		records, err = h.txRepo.ListByDateRange(ctx, from, to, opts)

	case c.Query("min_total") != "" || c.Query("max_total") != "":
		minTotal, perr := decimal.NewFromString(c.Query("min_total"))
		if perr != nil {
			response.ParamError(c, "min_total 参数错误")
			return
		}
		maxTotal, perr := decimal.NewFromString(c.Query("max_total"))
		if perr != nil {
			response.ParamError(c, "max_total 参数错误")
			return
		}
		records, err = h.txRepo.ListByAmountRange(ctx, minTotal, maxTotal, opts)

	case c.Query("customer_id") != "":
		records, err = h.txRepo.ListByCustomer(ctx, c.Query("customer_id"), opts)

	default:
		records, err = h.txRepo.ListAll(ctx, opts)
	}

	if err != nil {
		response.ServerError(c, err.Error())
		return
	}
	response.Success(c, gin.H{
		"list":   records,
		"limit":  opts.Limit,
		"offset": opts.Offset,
	})
}

func listOptions(c *gin.Context) (repository.ListOptions, error) {
	opts := repository.ListOptions{Limit: defaultPageSize}

	order, err := repository.ParseSortOrder(c.Query("order"))
	if err != nil {
		return opts, err
	}
	opts.Order = order

	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return opts, errors.New("limit 参数错误")
		}
		if limit > maxPageSize {
			limit = maxPageSize
		}
		opts.Limit = limit
	}
	if v := c.Query("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			return opts, errors.New("offset 参数错误")
		}
		opts.Offset = offset
	}
	return opts, nil
}

// ============================================================
// 同步相关接口
// ============================================================

type ImmediateSyncRequest struct {
	Force bool `json:"force"`
}

// TriggerImmediate 触发立即同步，替换尚未完成的立即同步任务
// POST /api/v1/sync/immediate
func (h *Handler) TriggerImmediate(c *gin.Context) {
	var req ImmediateSyncRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ParamError(c, "参数错误: "+err.Error())
			return
		}
	}

	if err := h.scheduler.ScheduleImmediate(req.Force); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"run": job.RunNameImmediate, "scheduled": true})
}

type PrioritySyncRequest struct {
	Priority  string `json:"priority" binding:"required"`
	BatchSize int    `json:"batch_size" binding:"gte=0"`
}

// TriggerPriority 同步指定优先级，同优先级已有任务时不重复创建
// POST /api/v1/sync/priority
func (h *Handler) TriggerPriority(c *gin.Context) {
	var req PrioritySyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	priority, err := model.ParsePriority(req.Priority)
	if err != nil {
		response.ParamError(c, err.Error())
		return
	}

	scheduled, err := h.scheduler.SchedulePriority(priority, req.BatchSize)
	if err != nil {
		writeError(c, err)
		return
	}
	run := job.RunRequest{Kind: job.RunPriority, Priority: &priority}
	if !scheduled {
		response.BusinessError(c, response.CodeRunAlreadyActive, "同名任务正在执行: "+run.Name())
		return
	}
	response.Success(c, gin.H{"run": run.Name(), "scheduled": true})
}

// SyncStatus 调度器状态
// GET /api/v1/sync/status
func (h *Handler) SyncStatus(c *gin.Context) {
	status := h.scheduler.Status()
	data := gin.H{
		"active": status.Active,
		"last":   status.Last,
	}
	if h.device != nil {
		data["online"] = h.device.Online()
		data["battery_low"] = h.device.BatteryLow()
	}
	response.Success(c, data)
}

// CancelSync 取消全部同步任务，包括周期任务
// POST /api/v1/sync/cancel
func (h *Handler) CancelSync(c *gin.Context) {
	n := h.scheduler.CancelAll()
	response.Success(c, gin.H{"canceled": n})
}

type DeviceRequest struct {
	Online     *bool `json:"online"`
	BatteryLow *bool `json:"battery_low"`
}

// UpdateDevice 终端上报网络和电量状态，网络恢复时会触发立即同步
// PUT /api/v1/device
func (h *Handler) UpdateDevice(c *gin.Context) {
	if h.device == nil {
		response.NotFound(c, "未启用终端状态")
		return
	}
	var req DeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	if req.BatteryLow != nil {
		h.device.SetBatteryLow(*req.BatteryLow)
	}
	if req.Online != nil {
		h.device.SetOnline(*req.Online)
	}
	response.Success(c, gin.H{
		"online":      h.device.Online(),
		"battery_low": h.device.BatteryLow(),
	})
}

// ============================================================
// 统计与维护接口
// ============================================================

// GetStats 队列统计
// GET /api/v1/stats
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.statsService.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, stats)
}

// Cleanup 立即执行一次清理
// POST /api/v1/maintenance/cleanup
func (h *Handler) Cleanup(c *gin.Context) {
	report, err := h.maintenanceService.Cleanup(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{
		"synced_deleted": report.SyncedDeleted,
		"failed_deleted": report.FailedDeleted,
		"deleted":        report.Deleted(),
		"compacted":      report.Compacted,
		"compact_error":  report.CompactError,
	})
}

// ListConflicts 待投递和投递失败的冲突消息
// GET /api/v1/conflicts?status=FAILED&limit=50
func (h *Handler) ListConflicts(c *gin.Context) {
	limit := defaultPageSize
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			response.ParamError(c, "limit 参数错误")
			return
		}
		limit = n
	}

	var (
		messages []*model.OutboxMessage
		err      error
	)
	switch c.DefaultQuery("status", model.OutboxStatusPending) {
	case model.OutboxStatusPending:
		messages, err = h.outboxRepo.GetPendingMessages(c.Request.Context(), limit)
	case model.OutboxStatusFailed:
		messages, err = h.outboxRepo.GetFailedMessages(c.Request.Context(), limit)
	default:
		response.ParamError(c, "status 只支持 PENDING / FAILED")
		return
	}
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}
	response.Success(c, gin.H{"list": messages})
}
