package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"posqueue/internal/config"
	"posqueue/internal/infrastructure/database"
	"posqueue/internal/model"
	"posqueue/internal/repository"
	"posqueue/internal/submitter"

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

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
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
	return &model.TransactionRecord{
		ID:            id,
		StoreID:       "store-1",
		UserID:        "cashier-1",
		ShiftID:       "shift-1",
		DeviceID:      "pos-1",
		ReceiptNumber: "OFF-" + id,
		Items: datatypes.NewJSONType([]model.LineItem{{
			ProductID:  "p-1",
			Name:       "Classic Croffle",
			Quantity:   1,
			UnitPrice:  decimal.RequireFromString("120"),
			TotalPrice: decimal.RequireFromString("120"),
		}}),
		Subtotal:       decimal.RequireFromString("120"),
		Tax:            decimal.Zero,
		Discount:       decimal.Zero,
		Total:          decimal.RequireFromString("120"),
		AmountTendered: decimal.RequireFromString("120"),
		Change:         decimal.Zero,
		PaymentMethod:  model.PaymentMethodCash,
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

// scriptedSubmitter 按记录 id 返回预设结果，未设置的记录返回成功
type scriptedSubmitter struct {
	mu       sync.Mutex
	outcomes map[string]submitter.Outcome
	errs     map[string]error
	calls    []string
}

func newScriptedSubmitter() *scriptedSubmitter {
	return &scriptedSubmitter{
		outcomes: make(map[string]submitter.Outcome),
		errs:     make(map[string]error),
	}
}

func (s *scriptedSubmitter) Submit(_ context.Context, rec *model.TransactionRecord) (submitter.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, rec.ID)
	if err, ok := s.errs[rec.ID]; ok {
		return submitter.Outcome{}, err
	}
	if o, ok := s.outcomes[rec.ID]; ok {
		return o, nil
	}
	return submitter.Success("srv-" + rec.ID), nil
}

func (s *scriptedSubmitter) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}
