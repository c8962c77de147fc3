package redis

import (
	"context"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/ebogdum/artilock/locks"
)

// The lock is a hash: "mode" is "read" or "write", every other field is a
// holder token mapped to its hold count. Scripts keep check and update atomic.
var (
	readLockScript = goredis.NewScript(`
if redis.call("hget", KEYS[1], "mode") == "write" then
	return 0
end
redis.call("hset", KEYS[1], "mode", "read")
redis.call("hincrby", KEYS[1], ARGV[1], 1)
redis.call("pexpire", KEYS[1], ARGV[2])
return 1
`)

	writeLockScript = goredis.NewScript(`
if redis.call("exists", KEYS[1]) == 1 then
	return 0
end
redis.call("hset", KEYS[1], "mode", "write", ARGV[1], 1)
redis.call("pexpire", KEYS[1], ARGV[2])
return 1
`)

	readUnlockScript = goredis.NewScript(`
if redis.call("hget", KEYS[1], "mode") ~= "read" then
	return -1
end
local held = tonumber(redis.call("hget", KEYS[1], ARGV[1]) or "0")
if held <= 0 then
	return -1
end
if held == 1 then
	redis.call("hdel", KEYS[1], ARGV[1])
else
	redis.call("hincrby", KEYS[1], ARGV[1], -1)
end
if redis.call("hlen", KEYS[1]) <= 1 then
	redis.call("del", KEYS[1])
end
return 1
`)

	writeUnlockScript = goredis.NewScript(`
if redis.call("hget", KEYS[1], "mode") == "write" and redis.call("hexists", KEYS[1], ARGV[1]) == 1 then
	return redis.call("del", KEYS[1])
end
return -1
`)
)

// readWriteLock is a Redis-held read-write lock shared by all processes.
// Each in-process holder is counted under the instance token, so no local
// gate is needed.
type readWriteLock struct {
	*lease
}

func newReadWriteLock(client *goredis.Client, cfg Config, name string, logger *zap.Logger) *readWriteLock {
	return &readWriteLock{lease: newLease(client, cfg, BackendReadWrite, name, logger)}
}

func (l *readWriteLock) ReadLock() locks.AdaptedLock {
	return redisReadLock{l.lease}
}

func (l *readWriteLock) WriteLock() locks.AdaptedLock {
	return redisWriteLock{l.lease}
}

type redisReadLock struct{ *lease }

func (r redisReadLock) TryLock(ctx context.Context, timeout time.Duration) (bool, error) {
	return r.acquire(ctx, timeout, readLockScript, r.token, r.ttlMillis())
}

func (r redisReadLock) Unlock() error {
	return r.release(readUnlockScript, r.token)
}

type redisWriteLock struct{ *lease }

func (w redisWriteLock) TryLock(ctx context.Context, timeout time.Duration) (bool, error) {
	return w.acquire(ctx, timeout, writeLockScript, w.token, w.ttlMillis())
}

func (w redisWriteLock) Unlock() error {
	return w.release(writeUnlockScript, w.token)
}
