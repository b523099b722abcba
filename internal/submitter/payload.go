package submitter

import (
	"encoding/json"
	"time"

	"posqueue/internal/model"

	"github.com/shopspring/decimal"
)

// Payload 提交给后台的离线交易报文
type Payload struct {
	OfflineTransactionID string    `json:"offline_transaction_id"`
	OfflineReceiptNumber string    `json:"offline_receipt_number"`
	OfflineTimestamp     time.Time `json:"offline_timestamp"`
	IsOfflineSync        bool      `json:"is_offline_sync"`
	SyncAttempt          int       `json:"sync_attempt"`

	StoreID    string `json:"store_id"`
	UserID     string `json:"user_id"`
	ShiftID    string `json:"shift_id"`
	CustomerID string `json:"customer_id,omitempty"`
	DeviceID   string `json:"device_id,omitempty"`

	Items []model.LineItem `json:"items"`

	Subtotal         decimal.Decimal `json:"subtotal"`
	Tax              decimal.Decimal `json:"tax"`
	Discount         decimal.Decimal `json:"discount"`
	DiscountType     string          `json:"discount_type,omitempty"`
	DiscountIDNumber string          `json:"discount_id_number,omitempty"`
	Total            decimal.Decimal `json:"total"`
	AmountTendered   decimal.Decimal `json:"amount_tendered"`
	Change           decimal.Decimal `json:"change"`

	PaymentMethod  model.PaymentMethod   `json:"payment_method"`
	PaymentDetails *model.PaymentDetails `json:"payment_details,omitempty"`

	OrderType           string `json:"order_type,omitempty"`
	DeliveryPlatform    string `json:"delivery_platform,omitempty"`
	DeliveryOrderNumber string `json:"delivery_order_number,omitempty"`
	NetworkQuality      string `json:"network_quality,omitempty"`
}

func NewPayload(rec *model.TransactionRecord) Payload {
	items := rec.LineItems()
	if items == nil {
		items = []model.LineItem{}
	}
	return Payload{
		OfflineTransactionID: rec.ID,
		OfflineReceiptNumber: rec.ReceiptNumber,
		OfflineTimestamp:     rec.CreatedAt.UTC(),
		IsOfflineSync:        true,
		SyncAttempt:          rec.SyncAttempts + 1,
		StoreID:              rec.StoreID,
		UserID:               rec.UserID,
		ShiftID:              rec.ShiftID,
		CustomerID:           rec.CustomerID,
		DeviceID:             rec.DeviceID,
		Items:                items,
		Subtotal:             rec.Subtotal,
		Tax:                  rec.Tax,
		Discount:             rec.Discount,
		DiscountType:         rec.DiscountType,
		DiscountIDNumber:     rec.DiscountIDNumber,
		Total:                rec.Total,
		AmountTendered:       rec.AmountTendered,
		Change:               rec.Change,
		PaymentMethod:        rec.PaymentMethod,
		PaymentDetails:       rec.Payment(),
		OrderType:            rec.OrderType,
		DeliveryPlatform:     rec.DeliveryPlatform,
		DeliveryOrderNumber:  rec.DeliveryOrderNumber,
		NetworkQuality:       rec.NetworkQuality,
	}
}

// EncodePayload 序列化记录，HTTP 和 Kafka 两种通道使用同一份报文
func EncodePayload(rec *model.TransactionRecord) ([]byte, error) {
	return json.Marshal(NewPayload(rec))
}
