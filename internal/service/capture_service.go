package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"posqueue/internal/model"
	"posqueue/internal/repository"
	"posqueue/pkg/idgen"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrQueueFull      = errors.New("离线队列已满")
	ErrInvalidCapture = errors.New("交易数据不合法")
)

// CaptureRequest 终端提交的一笔离线交易
type CaptureRequest struct {
	// ID 为空时由服务端生成；前端重复提交同一个 ID 时返回已有记录
	ID         string `json:"id"`
	StoreID    string `json:"store_id"`
	UserID     string `json:"user_id"`
	ShiftID    string `json:"shift_id"`
	CustomerID string `json:"customer_id"`

	Items []model.LineItem `json:"items"`

	Subtotal         decimal.Decimal `json:"subtotal"`
	Tax              decimal.Decimal `json:"tax"`
	Discount         decimal.Decimal `json:"discount"`
	DiscountType     string          `json:"discount_type"`
	DiscountIDNumber string          `json:"discount_id_number"`
	Total            decimal.Decimal `json:"total"`
	AmountTendered   decimal.Decimal `json:"amount_tendered"`
	Change           decimal.Decimal `json:"change"`

	PaymentMethod  model.PaymentMethod   `json:"payment_method"`
	PaymentDetails *model.PaymentDetails `json:"payment_details"`

	OrderType           string `json:"order_type"`
	DeliveryPlatform    string `json:"delivery_platform"`
	DeliveryOrderNumber string `json:"delivery_order_number"`
	NetworkQuality      string `json:"network_quality"`

	// Priority 为空时按支付方式和金额推断
	Priority model.Priority `json:"priority"`
}

type CaptureConfig struct {
	DeviceID       string
	DefaultStoreID string
	MaxQueueSize   int
	LargeAmount    decimal.Decimal
}

// CaptureService 把终端交易写入离线队列
type CaptureService struct {
	txRepo    *repository.TransactionRepository
	ids       *idgen.Snowflake
	cfg       CaptureConfig
	clock     Clock
	onCapture func(rec *model.TransactionRecord)
	logger    *slog.Logger
}

func NewCaptureService(db *gorm.DB, ids *idgen.Snowflake, cfg CaptureConfig, clock Clock) *CaptureService {
	if clock == nil {
		clock = time.Now
	}
	return &CaptureService{
		txRepo: repository.NewTransactionRepository(db),
		ids:    ids,
		cfg:    cfg,
		clock:  clock,
		logger: slog.Default().With("component", "CaptureService"),
	}
}

// OnCapture 新记录写入后回调，用于触发立即同步
func (s *CaptureService) OnCapture(fn func(rec *model.TransactionRecord)) {
	s.onCapture = fn
}

// InferPriority 现金交易优先；大额交易其次；其余为 LOW
func InferPriority(method model.PaymentMethod, total, largeAmount decimal.Decimal) model.Priority {
	switch {
	case method == model.PaymentMethodCash:
		return model.PriorityHigh
	case total.GreaterThan(largeAmount):
		return model.PriorityMedium
	}
	return model.PriorityLow
}

func (s *CaptureService) validate(req *CaptureRequest) error {
	var problems []string
	if req.StoreID == "" {
		problems = append(problems, "store_id 不能为空")
	}
	if req.UserID == "" {
		problems = append(problems, "user_id 不能为空")
	}
	if req.ShiftID == "" {
		problems = append(problems, "shift_id 不能为空")
	}
	if len(req.Items) == 0 {
		problems = append(problems, "至少需要一个商品")
	}
	for i, item := range req.Items {
		if item.ProductID == "" || item.Quantity <= 0 {
			problems = append(problems, fmt.Sprintf("items[%d] 商品或数量不合法", i))
		}
	}
	if !req.PaymentMethod.Valid() {
		problems = append(problems, fmt.Sprintf("payment_method=%q", req.PaymentMethod))
	}
	if req.Priority != "" && !req.Priority.Valid() {
		problems = append(problems, fmt.Sprintf("priority=%q", req.Priority))
	}
	if req.Total.IsNegative() {
		problems = append(problems, "total 不能为负数")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidCapture, strings.Join(problems, "; "))
	}
	return nil
}

func (s *CaptureService) Capture(ctx context.Context, req *CaptureRequest) (*model.TransactionRecord, error) {
	if req.StoreID == "" {
		req.StoreID = s.cfg.DefaultStoreID
	}
	if err := s.validate(req); err != nil {
		return nil, err
	}

	if req.ID != "" {
		existing, err := s.txRepo.GetByID(ctx, req.ID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, repository.ErrRecordNotFound) {
			return nil, storeError(err)
		}
	}

	active, err := s.txRepo.CountActive(ctx)
	if err != nil {
		return nil, storeError(err)
	}
	if s.cfg.MaxQueueSize > 0 && active >= int64(s.cfg.MaxQueueSize) {
		return nil, fmt.Errorf("%w: %d/%d", ErrQueueFull, active, s.cfg.MaxQueueSize)
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	priority := req.Priority
	if priority == "" {
		priority = InferPriority(req.PaymentMethod, req.Total, s.cfg.LargeAmount)
	}

	now := s.clock().UTC().Truncate(time.Millisecond)
	rec := &model.TransactionRecord{
		ID:                  id,
		StoreID:             req.StoreID,
		UserID:              req.UserID,
		ShiftID:             req.ShiftID,
		CustomerID:          req.CustomerID,
		DeviceID:            s.cfg.DeviceID,
		ReceiptNumber:       s.ids.ReceiptNo(now.Local()),
		Items:               datatypes.NewJSONType(req.Items),
		Subtotal:            req.Subtotal,
		Tax:                 req.Tax,
		Discount:            req.Discount,
		DiscountType:        req.DiscountType,
		DiscountIDNumber:    req.DiscountIDNumber,
		Total:               req.Total,
		AmountTendered:      req.AmountTendered,
		Change:              req.Change,
		PaymentMethod:       req.PaymentMethod,
		PaymentDetails:      datatypes.NewJSONType(req.PaymentDetails),
		OrderType:           req.OrderType,
		DeliveryPlatform:    req.DeliveryPlatform,
		DeliveryOrderNumber: req.DeliveryOrderNumber,
		NetworkQuality:      req.NetworkQuality,
		SyncStatus:          model.SyncStatusPending,
		Priority:            priority,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if err := s.txRepo.Create(ctx, nil, rec); err != nil {
		if errors.Is(err, repository.ErrDuplicateRecord) {
			return nil, err
		}
		return nil, storeError(err)
	}

	s.logger.Info("离线交易已入队",
		"record_id", rec.ID,
		"receipt_no", rec.ReceiptNumber,
		"priority", rec.Priority,
		"total", rec.Total.String(),
	)

	if s.onCapture != nil {
		s.onCapture(rec)
	}
	return rec, nil
}
