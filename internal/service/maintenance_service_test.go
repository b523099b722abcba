package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"posqueue/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newMaintenance(t *testing.T, clock *fakeClock) (*MaintenanceService, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	machine := NewStateMachine(db, clock.Now, "conflicts")
	svc := NewMaintenanceService(db, machine, MaintenanceConfig{
		SyncedRetention: 7 * 24 * time.Hour,
		FailedRetention: 30 * 24 * time.Hour,
	}, clock.Now)
	return svc, db
}

func aged(id string, status model.SyncStatus, attempts int, age time.Duration) *model.TransactionRecord {
	rec := pendingRecord(id, model.PriorityLow, baseTime.Add(-age))
	rec.SyncStatus = status
	rec.SyncAttempts = attempts
	return rec
}

func TestCleanupDeletesExpiredSynced(t *testing.T) {
	clock := newFakeClock(baseTime)
	svc, db := newMaintenance(t, clock)
	day := 24 * time.Hour
	insert(t, db,
		aged("synced-10d", model.SyncStatusSynced, 0, 10*day),
		aged("synced-3d", model.SyncStatusSynced, 0, 3*day),
	)

	report, err := svc.Cleanup(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, report.SyncedDeleted)
	assert.EqualValues(t, 1, report.Deleted())
	assert.True(t, report.Compacted)

	_, err = svc.txRepo.GetByID(context.Background(), "synced-10d")
	assert.ErrorIs(t, err, ErrRecordNotFound)
	load(t, db, "synced-3d")
}

func TestCleanupKeepsUnfinishedRecords(t *testing.T) {
	clock := newFakeClock(baseTime)
	svc, db := newMaintenance(t, clock)
	old := 90 * 24 * time.Hour
	insert(t, db,
		aged("pending", model.SyncStatusPending, 0, old),
		aged("syncing", model.SyncStatusSyncing, 0, old),
		aged("conflict", model.SyncStatusConflict, 0, old),
		aged("failed-retry", model.SyncStatusFailed, 3, old),
		aged("failed-dead", model.SyncStatusFailed, 5, old),
		aged("failed-dead-new", model.SyncStatusFailed, 5, 24*time.Hour),
	)

	report, err := svc.Cleanup(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 0, report.SyncedDeleted)
	assert.EqualValues(t, 1, report.FailedDeleted)

	for _, id := range []string{"pending", "syncing", "conflict", "failed-retry", "failed-dead-new"} {
		load(t, db, id)
	}
}

func TestCleanupCompactFailureIsReported(t *testing.T) {
	clock := newFakeClock(baseTime)
	svc, db := newMaintenance(t, clock)
	svc.compact = func(context.Context, *gorm.DB) error { return errors.New("disk busy") }
	insert(t, db, aged("synced-10d", model.SyncStatusSynced, 0, 10*24*time.Hour))

	report, err := svc.Cleanup(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, report.SyncedDeleted)
	assert.False(t, report.Compacted)
	assert.Equal(t, "disk busy", report.CompactError)
}

func TestRecoverStaleSyncing(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(baseTime)
	svc, db := newMaintenance(t, clock)
	insert(t, db,
		pendingRecord("stuck", model.PriorityHigh, baseTime),
		pendingRecord("active", model.PriorityHigh, baseTime),
	)

	_, err := svc.machine.BeginSync(ctx, "stuck")
	require.NoError(t, err)
	clock.Advance(20 * time.Minute)
	_, err = svc.machine.BeginSync(ctx, "active")
	require.NoError(t, err)

	n, err := svc.RecoverStale(ctx, 10*time.Minute, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stuck := load(t, db, "stuck")
	assert.Equal(t, model.SyncStatusFailed, stuck.SyncStatus)
	assert.Equal(t, 1, stuck.SyncAttempts)
	assert.Equal(t, InterruptedSyncError, stuck.SyncError)
	assert.True(t, stuck.Retryable())

	assert.Equal(t, model.SyncStatusSyncing, load(t, db, "active").SyncStatus)
}
