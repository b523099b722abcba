package job

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"posqueue/internal/config"
	"posqueue/internal/infrastructure/database"
	"posqueue/internal/model"
	"posqueue/internal/repository"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var baseTime = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeConditions struct {
	online     atomic.Bool
	batteryLow atomic.Bool
}

func onlineConditions() *fakeConditions {
	c := &fakeConditions{}
	c.online.Store(true)
	return c
}

func (c *fakeConditions) Connected(context.Context) bool { return c.online.Load() }
func (c *fakeConditions) BatteryLow() bool               { return c.batteryLow.Load() }

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open(&config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "queue.db")},
	}, logger.Silent)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	return db
}

func pendingRecord(id string, priority model.Priority, createdAt time.Time) *model.TransactionRecord {
	amount := decimal.RequireFromString("85.50")
	return &model.TransactionRecord{
		ID:            id,
		StoreID:       "store-1",
		UserID:        "cashier-1",
		ShiftID:       "shift-1",
		ReceiptNumber: "OFF-" + id,
		Items: datatypes.NewJSONType([]model.LineItem{{
			ProductID:  "p-1",
			Name:       "Iced Americano",
			Quantity:   1,
			UnitPrice:  amount,
			TotalPrice: amount,
		}}),
		Subtotal:       amount,
		Tax:            decimal.Zero,
		Discount:       decimal.Zero,
		Total:          amount,
		AmountTendered: amount,
		Change:         decimal.Zero,
		PaymentMethod:  model.PaymentMethodCard,
		PaymentDetails: datatypes.NewJSONType[*model.PaymentDetails](nil),
		SyncStatus:     model.SyncStatusPending,
		Priority:       priority,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
}

func insert(t *testing.T, db *gorm.DB, records ...*model.TransactionRecord) {
	t.Helper()
	repo := repository.NewTransactionRepository(db)
	for _, rec := range records {
		require.NoError(t, repo.Create(context.Background(), nil, rec))
	}
}

func load(t *testing.T, db *gorm.DB, id string) *model.TransactionRecord {
	t.Helper()
	rec, err := repository.NewTransactionRepository(db).GetByID(context.Background(), id)
	require.NoError(t, err)
	return rec
}
