package service

import (
	"context"
	"testing"
	"time"

	"posqueue/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsEmptyQueue(t *testing.T) {
	db := newTestDB(t)
	svc := NewStatsService(db, newFakeClock(baseTime).Now, time.UTC)

	stats, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
	assert.Zero(t, stats.Pending)
	assert.True(t, stats.PendingAmount.IsZero())
	assert.True(t, stats.SyncedTodayAmount.IsZero())
	assert.Nil(t, stats.OldestPending)
	assert.Nil(t, stats.NewestPending)
	assert.Zero(t, stats.EstimatedSyncTime)
	assert.Equal(t, map[model.Priority]int64{
		model.PriorityHigh:   0,
		model.PriorityMedium: 0,
		model.PriorityLow:    0,
	}, stats.PendingByPriority)
}

func TestStatsPopulatedQueue(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	clock := newFakeClock(baseTime)

	cheap := pendingRecord("p-low", model.PriorityLow, baseTime.Add(-3*time.Hour))
	cheap.Total = decimal.RequireFromString("50.25")
	syncedToday := pendingRecord("s-today", model.PriorityHigh, baseTime.Add(-2*time.Hour))
	syncedToday.SyncStatus = model.SyncStatusSynced
	syncedToday.UpdatedAt = baseTime.Add(-time.Hour)
	syncedYesterday := pendingRecord("s-old", model.PriorityHigh, baseTime.Add(-30*time.Hour))
	syncedYesterday.SyncStatus = model.SyncStatusSynced
	syncedYesterday.UpdatedAt = baseTime.Add(-26 * time.Hour)
	retrying := pendingRecord("f-retry", model.PriorityMedium, baseTime.Add(-time.Hour))
	retrying.SyncStatus = model.SyncStatusFailed
	retrying.SyncAttempts = 2
	exhausted := pendingRecord("f-dead", model.PriorityMedium, baseTime.Add(-time.Hour))
	exhausted.SyncStatus = model.SyncStatusFailed
	exhausted.SyncAttempts = 5

	insert(t, db,
		pendingRecord("p-high-1", model.PriorityHigh, baseTime.Add(-2*time.Hour)),
		pendingRecord("p-high-2", model.PriorityHigh, baseTime.Add(-time.Minute)),
		pendingRecord("c-1", model.PriorityHigh, baseTime.Add(-time.Hour)),
		cheap, syncedToday, syncedYesterday, retrying, exhausted,
	)

	machine := NewStateMachine(db, clock.Now, "conflicts")
	_, err := machine.BeginSync(ctx, "c-1")
	require.NoError(t, err)
	_, err = machine.FlagConflict(ctx, "c-1", []byte(`{}`))
	require.NoError(t, err)

	stats, err := NewStatsService(db, clock.Now, time.UTC).Stats(ctx)
	require.NoError(t, err)

	assert.EqualValues(t, 8, stats.Total)
	assert.EqualValues(t, 3, stats.Pending)
	assert.EqualValues(t, 2, stats.Synced)
	assert.EqualValues(t, 2, stats.Failed)
	assert.EqualValues(t, 1, stats.Conflict)
	assert.EqualValues(t, 1, stats.RetryExhausted)
	assert.EqualValues(t, 2, stats.PendingByPriority[model.PriorityHigh])
	assert.EqualValues(t, 0, stats.PendingByPriority[model.PriorityMedium])
	assert.EqualValues(t, 1, stats.PendingByPriority[model.PriorityLow])
	assert.True(t, stats.PendingAmount.Equal(decimal.RequireFromString("290.25")), stats.PendingAmount.String())
	assert.True(t, stats.SyncedTodayAmount.Equal(decimal.RequireFromString("120")), stats.SyncedTodayAmount.String())

	require.NotNil(t, stats.OldestPending)
	require.NotNil(t, stats.NewestPending)
	assert.True(t, stats.OldestPending.Equal(baseTime.Add(-3*time.Hour)))
	assert.True(t, stats.NewestPending.Equal(baseTime.Add(-time.Minute)))

	// 3 条 PENDING + 1 条可重试 FAILED，每条 1 个明细行
	assert.EqualValues(t, 4, stats.EligibleRecords)
	assert.EqualValues(t, 4*secondsPerRecord+4*secondsPerItem, stats.EstimatedSeconds)
	assert.Equal(t, 12*time.Second, stats.EstimatedSyncTime)
	assert.EqualValues(t, 1, stats.ConflictsQueued)
}

func TestStartOfDay(t *testing.T) {
	manila := time.FixedZone("PHT", 8*3600)
	at := time.Date(2026, 3, 1, 20, 30, 0, 0, time.UTC)

	assert.True(t, StartOfDay(at, time.UTC).Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
	// UTC 20:30 在 UTC+8 已经是次日
	assert.True(t, StartOfDay(at, manila).Equal(time.Date(2026, 3, 2, 0, 0, 0, 0, manila)))
}
