// Package distlock 提供跨进程互斥，用于串行化同一笔支付的 webhook、回跳与轮询处理。
package distlock

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired 表示锁被其他持有者占用。
var ErrNotAcquired = errors.New("lock not acquired")

// Lock 是一次性互斥锁，同一实例不应在多个 goroutine 间共享。
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// RedisLock 基于 SET NX + TTL，释放时用 Lua 校验持有者。
type RedisLock struct {
	client redis.UniversalClient
	key    string
	value  string
	ttl    time.Duration
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// NewRedisLock 创建 key 为 "lock:{key}" 的锁。
func NewRedisLock(client redis.UniversalClient, key string, ttl time.Duration) *RedisLock {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return &RedisLock{
		client: client,
		key:    "lock:" + key,
		value:  hex.EncodeToString(b),
		ttl:    ttl,
	}
}

// Acquire 尝试加锁，成功返回 true。
func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", l.key, err)
	}
	return ok, nil
}

// Release 仅当仍持有锁时删除。
func (l *RedisLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	return nil
}

// PGAdvisoryLock 在 Redis 不可用时使用 PostgreSQL 会话级 advisory lock。
// 加锁与解锁必须发生在同一连接上，因此持有期间独占一个 *sql.Conn。
type PGAdvisoryLock struct {
	db     *sql.DB
	conn   *sql.Conn
	lockID int64
}

// NewPGAdvisoryLock 由 key 的 FNV 哈希得到 lock id。
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return &PGAdvisoryLock{db: db, lockID: int64(h.Sum64())}
}

// Acquire uses pg_try_advisory_lock, which never blocks.
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("get connection: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		_ = conn.Close()
		return false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		_ = conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Release unlocks the advisory lock and returns the connection to the pool.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	defer func() {
		_ = l.conn.Close()
		l.conn = nil
	}()
	if _, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID); err != nil {
		return fmt.Errorf("release advisory lock: %w", err)
	}
	return nil
}

// Locker 为给定 key 生成锁，优先 Redis。
type Locker struct {
	redis redis.UniversalClient
	db    *sql.DB
	ttl   time.Duration
	wait  time.Duration
}

// NewLocker 创建 Locker；redisClient 可为 nil（此时使用 db）。
// wait 为 WithLock 的最长等待时间。
func NewLocker(redisClient redis.UniversalClient, db *sql.DB, ttl, wait time.Duration) *Locker {
	return &Locker{redis: redisClient, db: db, ttl: ttl, wait: wait}
}

// New returns a fresh lock for key.
func (l *Locker) New(key string) Lock {
	if l.redis != nil {
		return NewRedisLock(l.redis, key, l.ttl)
	}
	return NewPGAdvisoryLock(l.db, key)
}

// WithLock 轮询加锁直到成功或超过等待时间，然后执行 fn 并释放。
func (l *Locker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lock := l.New(key)
	deadline := time.Now().Add(l.wait)
	for {
		ok, err := lock.Acquire(ctx)
		if err != nil {
			return err
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrNotAcquired, key)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	defer func() {
		_ = lock.Release(context.WithoutCancel(ctx))
	}()
	return fn(ctx)
}
