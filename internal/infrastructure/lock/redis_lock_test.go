package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client), mr
}

func TestRedisLockerExclusive(t *testing.T) {
	ctx := context.Background()
	locker, mr := newRedisLocker(t)

	lease, err := locker.TryLock(ctx, "offline_sync_periodic", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists(keyPrefix+"offline_sync_periodic"))

	_, err = locker.TryLock(ctx, "offline_sync_periodic", time.Minute)
	assert.ErrorIs(t, err, ErrLockFailed)

	// 不同任务名互不影响
	other, err := locker.TryLock(ctx, "offline_sync_immediate", time.Minute)
	require.NoError(t, err)
	require.NoError(t, other.Unlock(ctx))

	require.NoError(t, lease.Unlock(ctx))
	assert.False(t, mr.Exists(keyPrefix+"offline_sync_periodic"))

	again, err := locker.TryLock(ctx, "offline_sync_periodic", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Unlock(ctx))
}

func TestRedisLockerExpiredLeaseKeepsNewOwner(t *testing.T) {
	ctx := context.Background()
	locker, mr := newRedisLocker(t)

	stale, err := locker.TryLock(ctx, "offline_sync_immediate", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	fresh, err := locker.TryLock(ctx, "offline_sync_immediate", time.Minute)
	require.NoError(t, err)

	// 过期的持有者释放时不能删除新持有者的锁
	require.NoError(t, stale.Unlock(ctx))
	assert.True(t, mr.Exists(keyPrefix+"offline_sync_immediate"))

	require.NoError(t, fresh.Unlock(ctx))
	assert.False(t, mr.Exists(keyPrefix+"offline_sync_immediate"))
}

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	locker := NewLocalLocker()

	lease, err := locker.TryLock(ctx, "offline_sync_priority_HIGH", 0)
	require.NoError(t, err)

	_, err = locker.TryLock(ctx, "offline_sync_priority_HIGH", 0)
	assert.ErrorIs(t, err, ErrLockFailed)

	require.NoError(t, lease.Unlock(ctx))
	// 重复释放无副作用
	require.NoError(t, lease.Unlock(ctx))

	lease, err = locker.TryLock(ctx, "offline_sync_priority_HIGH", 0)
	require.NoError(t, err)
	require.NoError(t, lease.Unlock(ctx))
}
