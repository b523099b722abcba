package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// ============================================================================
// 离线交易记录
// ============================================================================

// LineItem 交易明细行
type LineItem struct {
	ProductID   string           `json:"product_id"`
	VariationID string           `json:"variation_id,omitempty"`
	Name        string           `json:"name"`
	Quantity    int              `json:"quantity"`
	UnitPrice   decimal.Decimal  `json:"unit_price"`
	TotalPrice  decimal.Decimal  `json:"total_price"`
	Category    string           `json:"category,omitempty"`
	SKU         string           `json:"sku,omitempty"`
	TaxRate     *decimal.Decimal `json:"tax_rate,omitempty"`
}

// PaymentDetails 支付渠道返回的卡 / 电子钱包信息
type PaymentDetails struct {
	CardType        string            `json:"card_type,omitempty"`
	CardLast4       string            `json:"card_last4,omitempty"`
	ApprovalCode    string            `json:"approval_code,omitempty"`
	EWalletProvider string            `json:"ewallet_provider,omitempty"`
	ReferenceNumber string            `json:"reference_number,omitempty"`
	Extra           map[string]string `json:"extra,omitempty"`
}

// TransactionRecord 一笔在终端上采集、等待与后台对账的交易
//
// 【重要】记录只能通过状态机流转修改同步相关字段：
// 1. id 采集时生成，之后不再变更
// 2. sync_attempts 只在流转到 FAILED 时增加
// 3. updated_at 每次修改严格递增
// 4. version 是乐观锁版本号，所有流转都以 (sync_status, version) 做比较更新
type TransactionRecord struct {
	ID            string `gorm:"type:varchar(64);primaryKey" json:"id"`
	StoreID       string `gorm:"type:varchar(64);index;not null" json:"store_id"`
	UserID        string `gorm:"type:varchar(64);not null" json:"user_id"`
	ShiftID       string `gorm:"type:varchar(64);not null" json:"shift_id"`
	CustomerID    string `gorm:"type:varchar(64);index" json:"customer_id,omitempty"`
	DeviceID      string `gorm:"type:varchar(64)" json:"device_id,omitempty"`
	ReceiptNumber string `gorm:"type:varchar(64);uniqueIndex;not null" json:"receipt_number"`

	Items datatypes.JSONType[[]LineItem] `gorm:"not null" json:"items"`

	Subtotal         decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"subtotal"`
	Tax              decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"tax"`
	Discount         decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"discount"`
	DiscountType     string          `gorm:"type:varchar(32)" json:"discount_type,omitempty"`
	DiscountIDNumber string          `gorm:"type:varchar(64)" json:"discount_id_number,omitempty"`
	Total            decimal.Decimal `gorm:"type:decimal(12,2);index;not null" json:"total"`
	AmountTendered   decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount_tendered"`
	Change           decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"change"`

	PaymentMethod  PaymentMethod                      `gorm:"type:varchar(16);index;not null" json:"payment_method"`
	PaymentDetails datatypes.JSONType[*PaymentDetails] `gorm:"not null" json:"payment_details"`

	OrderType           string `gorm:"type:varchar(32)" json:"order_type,omitempty"`
	DeliveryPlatform    string `gorm:"type:varchar(32)" json:"delivery_platform,omitempty"`
	DeliveryOrderNumber string `gorm:"type:varchar(64)" json:"delivery_order_number,omitempty"`
	NetworkQuality      string `gorm:"type:varchar(16)" json:"network_quality,omitempty"`

	SyncStatus          SyncStatus `gorm:"type:varchar(16);not null;index:idx_sync_status_priority,priority:1" json:"sync_status"`
	Priority            Priority   `gorm:"type:varchar(16);not null;index:idx_sync_status_priority,priority:2" json:"priority"`
	SyncAttempts        int        `gorm:"not null" json:"sync_attempts"`
	LastSyncAttempt     *time.Time `json:"last_sync_attempt,omitempty"`
	SyncError           string     `gorm:"type:varchar(512)" json:"sync_error,omitempty"`
	ConflictPayload     []byte     `gorm:"type:blob" json:"conflict_payload,omitempty"`
	ServerTransactionID string     `gorm:"type:varchar(64)" json:"server_transaction_id,omitempty"`
	Version             int        `gorm:"not null" json:"version"`

	CreatedAt time.Time `gorm:"autoCreateTime:false;index;not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false;not null" json:"updated_at"`
}

func (TransactionRecord) TableName() string {
	return "offline_transaction"
}

// LineItems 解出明细行
func (r *TransactionRecord) LineItems() []LineItem {
	return r.Items.Data()
}

// Payment 解出支付详情，可能为 nil
func (r *TransactionRecord) Payment() *PaymentDetails {
	return r.PaymentDetails.Data()
}

// Retryable PENDING 或未达重试上限的 FAILED 才能被自动选中
func (r *TransactionRecord) Retryable() bool {
	switch r.SyncStatus {
	case SyncStatusPending:
		return true
	case SyncStatusFailed:
		return r.SyncAttempts < MaxSyncAttempts
	}
	return false
}

// RetryExhausted FAILED 且达到重试上限，只能人工处理或等待清理
func (r *TransactionRecord) RetryExhausted() bool {
	return r.SyncStatus == SyncStatusFailed && r.SyncAttempts >= MaxSyncAttempts
}

// CheckTransition 校验记录当前是否允许流转到目标状态
func (r *TransactionRecord) CheckTransition(target SyncStatus) error {
	if !CanTransitionTo(r.SyncStatus, target) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, r.SyncStatus, target)
	}
	if target == SyncStatusSyncing && !r.Retryable() {
		return fmt.Errorf("%w: %s -> %s (attempts=%d)", ErrIllegalTransition, r.SyncStatus, target, r.SyncAttempts)
	}
	return nil
}

// ErrIllegalTransition 由 CheckTransition 返回，仓储层会把它转换为 ErrInvalidTransition
var ErrIllegalTransition = errors.New("状态流转不合法")

// Validate 写入前校验必填字段和枚举
func (r *TransactionRecord) Validate() error {
	switch {
	case r.ID == "":
		return errors.New("id 不能为空")
	case r.StoreID == "":
		return errors.New("store_id 不能为空")
	case r.ReceiptNumber == "":
		return errors.New("receipt_number 不能为空")
	case !r.SyncStatus.Valid():
		return fmt.Errorf("%w: sync_status=%q", ErrInvalidEnum, r.SyncStatus)
	case !r.Priority.Valid():
		return fmt.Errorf("%w: priority=%q", ErrInvalidEnum, r.Priority)
	case !r.PaymentMethod.Valid():
		return fmt.Errorf("%w: payment_method=%q", ErrInvalidEnum, r.PaymentMethod)
	case r.SyncAttempts < 0:
		return errors.New("sync_attempts 不能为负数")
	case r.UpdatedAt.Before(r.CreatedAt):
		return errors.New("updated_at 不能早于 created_at")
	}
	return nil
}
