package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"posqueue/internal/model"
	"posqueue/internal/submitter"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T, sub submitter.Submitter, timeout time.Duration) (*SyncEngine, *BatchSelector, *fakeClock) {
	t.Helper()
	db := newTestDB(t)
	clock := newFakeClock(baseTime)
	machine := NewStateMachine(db, clock.Now, "conflicts")
	return NewSyncEngine(machine, sub, timeout), NewBatchSelector(db), clock
}

func TestSyncHighPriorityImmediate(t *testing.T) {
	ctx := context.Background()
	sub := newScriptedSubmitter()
	engine, selector, _ := newEngine(t, sub, time.Second)
	db := selector.txRepo.DB()
	insert(t, db,
		pendingRecord("r-low", model.PriorityLow, baseTime.Add(-time.Hour)),
		pendingRecord("r-high", model.PriorityHigh, baseTime),
	)

	batch, err := selector.Select(ctx, ModeImmediate, nil, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "r-high", batch[0].ID)

	var progress []Progress
	result, err := engine.SyncBatch(ctx, batch, func(p Progress) { progress = append(progress, p) })
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Attempted: 1, Synced: 1}, result)
	assert.False(t, result.AllFailed())

	rec := load(t, db, "r-high")
	assert.Equal(t, model.SyncStatusSynced, rec.SyncStatus)
	assert.Equal(t, 0, rec.SyncAttempts)
	assert.Equal(t, "srv-r-high", rec.ServerTransactionID)

	require.Len(t, progress, 1)
	assert.Equal(t, Progress{Current: 1, Total: 1, RecordID: "r-high", Outcome: "success"}, progress[0])
	assert.Equal(t, model.SyncStatusPending, load(t, db, "r-low").SyncStatus)
}

func TestSyncLastRetryExhausts(t *testing.T) {
	ctx := context.Background()
	sub := newScriptedSubmitter()
	sub.outcomes["r-1"] = submitter.TransientFailure("HTTP 503")
	engine, selector, _ := newEngine(t, sub, time.Second)
	db := selector.txRepo.DB()

	rec := pendingRecord("r-1", model.PriorityMedium, baseTime)
	rec.SyncStatus = model.SyncStatusFailed
	rec.SyncAttempts = 4
	insert(t, db, rec)

	batch, err := selector.Select(ctx, ModePeriodic, nil, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	result, err := engine.SyncBatch(ctx, batch, nil)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Attempted: 1, Failed: 1}, result)
	assert.True(t, result.AllFailed())

	stored := load(t, db, "r-1")
	assert.Equal(t, model.SyncStatusFailed, stored.SyncStatus)
	assert.Equal(t, 5, stored.SyncAttempts)
	assert.Equal(t, "HTTP 503", stored.SyncError)

	batch, err = selector.Select(ctx, ModePeriodic, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestSyncOutcomeMapping(t *testing.T) {
	ctx := context.Background()
	sub := newScriptedSubmitter()
	sub.outcomes["conflict"] = submitter.Conflict([]byte(`{"server_total":"99"}`))
	sub.outcomes["rejected"] = submitter.Rejected("HTTP 422: bad shift")
	sub.errs["broken"] = errors.New("connection reset")
	engine, selector, _ := newEngine(t, sub, time.Second)
	db := selector.txRepo.DB()

	insert(t, db,
		pendingRecord("ok", model.PriorityHigh, baseTime),
		pendingRecord("conflict", model.PriorityHigh, baseTime.Add(time.Second)),
		pendingRecord("rejected", model.PriorityHigh, baseTime.Add(2*time.Second)),
		pendingRecord("broken", model.PriorityHigh, baseTime.Add(3*time.Second)),
	)

	batch, err := selector.Select(ctx, ModeImmediate, nil, 10)
	require.NoError(t, err)
	result, err := engine.SyncBatch(ctx, batch, nil)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Attempted: 4, Synced: 1, Failed: 2, Conflicts: 1}, result)
	assert.Equal(t, []string{"ok", "conflict", "rejected", "broken"}, sub.Calls())

	assert.Equal(t, model.SyncStatusSynced, load(t, db, "ok").SyncStatus)
	assert.Equal(t, model.SyncStatusConflict, load(t, db, "conflict").SyncStatus)

	rejected := load(t, db, "rejected")
	assert.True(t, rejected.RetryExhausted())

	broken := load(t, db, "broken")
	assert.Equal(t, model.SyncStatusFailed, broken.SyncStatus)
	assert.Equal(t, 1, broken.SyncAttempts)
	assert.Equal(t, "connection reset", broken.SyncError)
}

func TestSyncTimeoutIsTransient(t *testing.T) {
	ctx := context.Background()
	slow := submitter.Func(func(ctx context.Context, _ *model.TransactionRecord) (submitter.Outcome, error) {
		<-ctx.Done()
		return submitter.Outcome{}, ctx.Err()
	})
	engine, selector, _ := newEngine(t, slow, 20*time.Millisecond)
	db := selector.txRepo.DB()
	insert(t, db, pendingRecord("r-1", model.PriorityHigh, baseTime))

	batch, err := selector.Select(ctx, ModeImmediate, nil, 1)
	require.NoError(t, err)
	result, err := engine.SyncBatch(ctx, batch, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	rec := load(t, db, "r-1")
	assert.Equal(t, model.SyncStatusFailed, rec.SyncStatus)
	assert.Equal(t, 1, rec.SyncAttempts)
	assert.Contains(t, rec.SyncError, "timed out")
}

func TestConcurrentRunsSubmitOnce(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	calls := 0
	sub := submitter.Func(func(context.Context, *model.TransactionRecord) (submitter.Outcome, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		close(entered)
		<-release
		return submitter.Success("srv-1"), nil
	})
	engine, selector, _ := newEngine(t, sub, 5*time.Second)
	db := selector.txRepo.DB()
	insert(t, db, pendingRecord("r-1", model.PriorityHigh, baseTime))

	first, err := selector.Select(ctx, ModeImmediate, nil, 1)
	require.NoError(t, err)
	second, err := selector.Select(ctx, ModeImmediate, nil, 1)
	require.NoError(t, err)

	var firstResult BatchResult
	done := make(chan error, 1)
	go func() {
		var err error
		firstResult, err = engine.SyncBatch(ctx, first, nil)
		done <- err
	}()

	<-entered
	secondResult, err := engine.SyncBatch(ctx, second, nil)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Skipped: 1}, secondResult)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, BatchResult{Attempted: 1, Synced: 1}, firstResult)

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
	assert.Equal(t, model.SyncStatusSynced, load(t, db, "r-1").SyncStatus)
}

func TestSyncStopsBetweenRecordsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := submitter.Func(func(context.Context, *model.TransactionRecord) (submitter.Outcome, error) {
		cancel()
		return submitter.Success(""), nil
	})
	engine, selector, _ := newEngine(t, sub, time.Second)
	db := selector.txRepo.DB()
	insert(t, db,
		pendingRecord("r-1", model.PriorityHigh, baseTime),
		pendingRecord("r-2", model.PriorityHigh, baseTime.Add(time.Second)),
	)

	batch, err := selector.Select(context.Background(), ModeImmediate, nil, 10)
	require.NoError(t, err)
	result, err := engine.SyncBatch(ctx, batch, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, BatchResult{Attempted: 1, Synced: 1}, result)

	// 取消发生在提交过程中，结果仍然落地
	assert.Equal(t, model.SyncStatusSynced, load(t, db, "r-1").SyncStatus)
	assert.Equal(t, model.SyncStatusPending, load(t, db, "r-2").SyncStatus)
}

func TestSyncCancelLeavesSubmissionRunning(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := submitter.Func(func(subCtx context.Context, rec *model.TransactionRecord) (submitter.Outcome, error) {
		cancel()
		select {
		case <-subCtx.Done():
			return submitter.Outcome{}, subCtx.Err()
		case <-time.After(30 * time.Millisecond):
		}
		return submitter.Success("srv-" + rec.ID), nil
	})
	engine, selector, _ := newEngine(t, sub, time.Second)
	db := selector.txRepo.DB()
	insert(t, db,
		pendingRecord("r-1", model.PriorityHigh, baseTime),
		pendingRecord("r-2", model.PriorityHigh, baseTime.Add(time.Second)),
	)

	batch, err := selector.Select(context.Background(), ModeImmediate, nil, 10)
	require.NoError(t, err)
	result, err := engine.SyncBatch(ctx, batch, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, BatchResult{Attempted: 1, Synced: 1}, result)

	r1 := load(t, db, "r-1")
	assert.Equal(t, model.SyncStatusSynced, r1.SyncStatus)
	assert.Equal(t, 0, r1.SyncAttempts)
	assert.Equal(t, "srv-r-1", r1.ServerTransactionID)
	assert.Equal(t, model.SyncStatusPending, load(t, db, "r-2").SyncStatus)
}

func TestSyncStoreFailureAbortsRun(t *testing.T) {
	ctx := context.Background()
	engine, selector, _ := newEngine(t, newScriptedSubmitter(), time.Second)
	db := selector.txRepo.DB()
	insert(t, db, pendingRecord("r-1", model.PriorityHigh, baseTime))

	batch, err := selector.Select(ctx, ModeImmediate, nil, 1)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	_, err = engine.SyncBatch(ctx, batch, nil)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestBatchSelectorModes(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	selector := NewBatchSelector(db)

	exhausted := pendingRecord("exhausted", model.PriorityHigh, baseTime)
	exhausted.SyncStatus = model.SyncStatusFailed
	exhausted.SyncAttempts = 5
	retry := pendingRecord("retry", model.PriorityMedium, baseTime.Add(-time.Minute))
	retry.SyncStatus = model.SyncStatusFailed
	retry.SyncAttempts = 2
	synced := pendingRecord("synced", model.PriorityHigh, baseTime)
	synced.SyncStatus = model.SyncStatusSynced

	insert(t, db,
		exhausted, retry, synced,
		pendingRecord("high-2", model.PriorityHigh, baseTime.Add(time.Minute)),
		pendingRecord("high-1", model.PriorityHigh, baseTime),
		pendingRecord("low", model.PriorityLow, baseTime.Add(-time.Hour)),
	)

	batch, err := selector.Select(ctx, ModeImmediate, nil, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"high-1", "high-2", "retry", "low"}, recordIDs(batch))

	batch, err = selector.Select(ctx, ModePriority, nil, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"high-1", "high-2"}, recordIDs(batch))

	medium := model.PriorityMedium
	batch, err = selector.Select(ctx, ModePriority, &medium, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"retry"}, recordIDs(batch))

	batch, err = selector.Select(ctx, ModePeriodic, nil, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"high-1", "high-2"}, recordIDs(batch))

	_, err = selector.Select(ctx, ModeImmediate, nil, 0)
	assert.Error(t, err)
	bogus := model.Priority("URGENT")
	_, err = selector.Select(ctx, ModePriority, &bogus, 10)
	assert.ErrorIs(t, err, model.ErrInvalidEnum)

	ok, err := selector.HasEligible(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func recordIDs(records []*model.TransactionRecord) []string {
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	return ids
}
