package redis

import (
	"context"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/ebogdum/artilock/locks"
)

// The semaphore is a hash: "used" counts taken permits, every other field is
// a holder token mapped to the permits it holds.
var (
	acquireScript = goredis.NewScript(`
local used = tonumber(redis.call("hget", KEYS[1], "used") or "0")
local permits = tonumber(ARGV[2])
if used + permits > tonumber(ARGV[3]) then
	return 0
end
redis.call("hincrby", KEYS[1], "used", permits)
redis.call("hincrby", KEYS[1], ARGV[1], permits)
redis.call("pexpire", KEYS[1], ARGV[4])
return 1
`)

	releaseScript = goredis.NewScript(`
local held = tonumber(redis.call("hget", KEYS[1], ARGV[1]) or "0")
local permits = tonumber(ARGV[2])
if held < permits then
	return -1
end
if held == permits then
	redis.call("hdel", KEYS[1], ARGV[1])
else
	redis.call("hincrby", KEYS[1], ARGV[1], -permits)
end
if redis.call("hincrby", KEYS[1], "used", -permits) <= 0 then
	redis.call("del", KEYS[1])
end
return 1
`)
)

// semaphore is a Redis-held counting semaphore of locks.MaxPermits permits.
type semaphore struct {
	*lease
}

func newSemaphore(client *goredis.Client, cfg Config, name string, logger *zap.Logger) *semaphore {
	return &semaphore{lease: newLease(client, cfg, BackendSemaphore, name, logger)}
}

func (s *semaphore) TryAcquire(ctx context.Context, permits int64, timeout time.Duration) (bool, error) {
	return s.acquire(ctx, timeout, acquireScript, s.token, permits, locks.MaxPermits, s.ttlMillis())
}

func (s *semaphore) Release(permits int64) error {
	return s.release(releaseScript, s.token, permits)
}
