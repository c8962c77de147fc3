// Package redis provides distributed named lock backends over Redis: a
// read-write lock and a semaphore, both leased with a TTL that holders renew.
package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ebogdum/artilock/locks"
	"github.com/ebogdum/artilock/metrics"
)

// Backend names.
const (
	BackendReadWrite = "rwlock-redis"
	BackendSemaphore = "semaphore-redis"
)

// Defaults applied to a zero Config.
const (
	DefaultKeyPrefix = "artilock:lock:"
	DefaultLeaseTTL  = 30 * time.Second
)

// Config configures the Redis backends.
type Config struct {
	Addr         string
	Password     string
	DB           int
	KeyPrefix    string
	LeaseTTL     time.Duration
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.KeyPrefix == "" {
		c.KeyPrefix = DefaultKeyPrefix
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.PollInterval <= 0 {
		c.PollInterval = locks.DefaultPollInterval
	}
	return c
}

// NewClient creates a Redis client and checks the connection.
func NewClient(ctx context.Context, cfg Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewReadWriteFactory returns the rwlock-redis factory. The client is closed
// by Shutdown.
func NewReadWriteFactory(client *goredis.Client, cfg Config, logger *zap.Logger, opts ...locks.Option) *locks.FactorySupport {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = append([]locks.Option{locks.WithLogger(logger), locks.WithShutdown(client.Close)}, opts...)
	return locks.NewReadWriteLockFactory(BackendReadWrite, func(name string) locks.AdaptedReadWriteLock {
		return newReadWriteLock(client, cfg, name, logger)
	}, opts...)
}

// NewSemaphoreFactory returns the semaphore-redis factory. The client is
// closed by Shutdown.
func NewSemaphoreFactory(client *goredis.Client, cfg Config, logger *zap.Logger, opts ...locks.Option) *locks.FactorySupport {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = append([]locks.Option{locks.WithLogger(logger), locks.WithShutdown(client.Close)}, opts...)
	return locks.NewSemaphoreFactory(BackendSemaphore, func(name string) locks.AdaptedSemaphore {
		return newSemaphore(client, cfg, name, logger)
	}, opts...)
}

// lease is the part shared by both primitives: one key, one holder token per
// primitive instance, and a watchdog renewing the key TTL while anything is
// held through this instance.
type lease struct {
	client  *goredis.Client
	backend string
	key     string
	token   string
	ttl     time.Duration
	poll    time.Duration
	logger  *zap.Logger

	mu   sync.Mutex
	held int
	stop chan struct{}
	done chan struct{}
}

func newLease(client *goredis.Client, cfg Config, backend, name string, logger *zap.Logger) *lease {
	return &lease{
		client:  client,
		backend: backend,
		key:     cfg.KeyPrefix + name,
		token:   uuid.NewString(),
		ttl:     cfg.LeaseTTL,
		poll:    cfg.PollInterval,
		logger:  logger.Named("redis").With(zap.String("key", cfg.KeyPrefix+name)),
	}
}

func (l *lease) ttlMillis() int64 {
	return l.ttl.Milliseconds()
}

// acquire polls script until it grants the lease.
func (l *lease) acquire(ctx context.Context, timeout time.Duration, script *goredis.Script, args ...interface{}) (bool, error) {
	ok, err := locks.Poll(ctx, timeout, l.poll, func(ctx context.Context) (bool, error) {
		granted, err := script.Run(ctx, l.client, []string{l.key}, args...).Int()
		if err != nil {
			return false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
		}
		return granted == 1, nil
	})
	switch {
	case err != nil:
		metrics.BackendOperationsTotal.WithLabelValues(l.backend, "acquire", "failure").Inc()
		return false, err
	case !ok:
		metrics.BackendOperationsTotal.WithLabelValues(l.backend, "acquire", "timeout").Inc()
		return false, nil
	}
	metrics.BackendOperationsTotal.WithLabelValues(l.backend, "acquire", "success").Inc()
	l.logger.Debug("Lock acquired", zap.String("owner", l.token), zap.Duration("ttl", l.ttl))
	l.retain()
	return true, nil
}

// release runs script, which returns -1 when nothing was held by this token.
func (l *lease) release(script *goredis.Script, args ...interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), l.ttl)
	defer cancel()

	released, err := script.Run(ctx, l.client, []string{l.key}, args...).Int()
	if err != nil {
		metrics.BackendOperationsTotal.WithLabelValues(l.backend, "release", "failure").Inc()
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	l.drop()
	if released < 0 {
		metrics.BackendOperationsTotal.WithLabelValues(l.backend, "release", "failure").Inc()
		l.logger.Warn("Lock not owned or lease expired", zap.String("owner", l.token))
		return fmt.Errorf("%w: %s lease lost", locks.ErrUnlockWithoutLock, l.key)
	}
	metrics.BackendOperationsTotal.WithLabelValues(l.backend, "release", "success").Inc()
	l.logger.Debug("Lock released", zap.String("owner", l.token))
	return nil
}

func (l *lease) retain() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held++
	if l.held == 1 {
		l.stop = make(chan struct{})
		l.done = make(chan struct{})
		go l.renew(l.stop, l.done)
	}
}

func (l *lease) drop() {
	l.mu.Lock()
	if l.held == 0 {
		l.mu.Unlock()
		return
	}
	l.held--
	var stop, done chan struct{}
	if l.held == 0 {
		stop, done = l.stop, l.done
		l.stop, l.done = nil, nil
	}
	l.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

var renewScript = goredis.NewScript(`
if redis.call("hexists", KEYS[1], ARGV[1]) == 1 then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// renew extends the key TTL at a third of the lease until stopped.
func (l *lease) renew(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			renewed, err := renewScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttlMillis()).Int()
			cancel()
			switch {
			case err != nil:
				metrics.BackendOperationsTotal.WithLabelValues(l.backend, "renew", "failure").Inc()
				l.logger.Warn("Failed to renew lock lease", zap.Error(err))
			case renewed == 0:
				metrics.BackendOperationsTotal.WithLabelValues(l.backend, "renew", "failure").Inc()
				l.logger.Error("Lock lease expired while held", zap.String("owner", l.token))
			default:
				metrics.BackendOperationsTotal.WithLabelValues(l.backend, "renew", "success").Inc()
			}
		}
	}
}

// Close stops the watchdog of a destroyed primitive.
func (l *lease) Close() error {
	l.mu.Lock()
	stop, done := l.stop, l.done
	l.stop, l.done, l.held = nil, nil, 0
	l.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	return nil
}
