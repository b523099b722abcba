package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ============================================================================
// 同步任务单飞锁
// ============================================================================
//
// 同名的同步任务（offline_sync_periodic、offline_sync_immediate ...）同一时刻只能有一个在执行。
// 单进程部署使用 LocalLocker；多个进程共享同一个 MySQL 队列时使用 RedisLocker。
//
// 加锁：SET key token NX PX ttl
// 释放：Lua 脚本比较 token 后删除，避免删掉锁过期后被别人重新持有的锁
//
// ============================================================================

var ErrLockFailed = errors.New("获取任务锁失败")

// Locker 按名字获取互斥锁
type Locker interface {
	// TryLock 非阻塞加锁，锁被占用时返回 ErrLockFailed
	TryLock(ctx context.Context, name string, ttl time.Duration) (Lease, error)
}

// Lease 已持有的锁
type Lease interface {
	Unlock(ctx context.Context) error
}

const keyPrefix = "posqueue:lock:"

var unlockScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// RedisLocker 基于 Redis SETNX 的跨进程锁
type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (Lease, error) {
	key := keyPrefix + name
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockFailed, name)
	}
	return &redisLease{client: l.client, key: key, token: token}, nil
}

type redisLease struct {
	client *redis.Client
	key    string
	token  string
}

func (l *redisLease) Unlock(ctx context.Context) error {
	return unlockScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}

// LocalLocker 进程内锁，ttl 被忽略，持有者释放前一直有效
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]string
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]string)}
}

func (l *LocalLocker) TryLock(_ context.Context, name string, _ time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrLockFailed, name)
	}
	token := uuid.NewString()
	l.held[name] = token
	return &localLease{locker: l, name: name, token: token}, nil
}

type localLease struct {
	locker *LocalLocker
	name   string
	token  string
}

func (l *localLease) Unlock(context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()

	if l.locker.held[l.name] == l.token {
		delete(l.locker.held, l.name)
	}
	return nil
}
