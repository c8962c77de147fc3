// Package etcd provides the rwlock-etcd backend over etcd mutexes.
//
// An etcd mutex is owned by a session lease, and every mutex created on one
// session for one key shares that ownership. Each named lock therefore holds
// its mutex on behalf of the whole process, behind a local gate, and shared
// holds from different processes exclude each other.
package etcd

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ebogdum/artilock/locks"
	"github.com/ebogdum/artilock/metrics"
)

// Backend is the factory name of the etcd backend.
const Backend = "rwlock-etcd"

// Defaults applied to a zero Config.
const (
	DefaultPrefix      = "/artilock/locks/"
	DefaultDialTimeout = 5 * time.Second
	DefaultSessionTTL  = 60 // seconds
)

const unlockTimeout = 5 * time.Second

// Config configures the etcd backend.
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	SessionTTL  int
	Prefix      string
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	return c
}

// NewFactory connects to etcd, opens the process session and returns the
// rwlock-etcd factory. Shutdown closes the session and the client.
func NewFactory(cfg Config, logger *zap.Logger, opts ...locks.Option) (*locks.FactorySupport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("etcd")

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	session, err := concurrency.NewSession(client, concurrency.WithTTL(cfg.SessionTTL))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create etcd session with TTL %d: %w", cfg.SessionTTL, err)
	}
	logger.Info("etcd lock session started",
		zap.Strings("endpoints", cfg.Endpoints),
		zap.Int64("lease", int64(session.Lease())))

	shutdown := func() error {
		return multierr.Append(session.Close(), client.Close())
	}
	opts = append([]locks.Option{locks.WithLogger(logger), locks.WithShutdown(shutdown)}, opts...)
	return locks.NewReadWriteLockFactory(Backend, func(name string) locks.AdaptedReadWriteLock {
		return locks.NewProcessGatedLock(&mutexLock{
			session: session,
			key:     path.Join(cfg.Prefix, name),
			logger:  logger.With(zap.String("name", name)),
		})
	}, opts...), nil
}

// mutexLock is the process-wide etcd mutex of one name. Both modes take
// the same mutex.
type mutexLock struct {
	session *concurrency.Session
	key     string
	logger  *zap.Logger

	mu    sync.Mutex
	mutex *concurrency.Mutex
}

func (l *mutexLock) TryLock(ctx context.Context, shared bool, timeout time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.mutex != nil {
		return false, fmt.Errorf("etcd mutex %s already held by this process", l.key)
	}
	if ctx.Err() != nil {
		return false, locks.Interrupted(ctx)
	}

	m := concurrency.NewMutex(l.session, l.key)
	var ok bool
	var err error
	if timeout <= 0 {
		err = m.TryLock(ctx)
		switch {
		case errors.Is(err, concurrency.ErrLocked):
			ok, err = false, nil
		case err != nil:
			ok, err = locks.WaitResult(ctx, err)
		default:
			ok = true
		}
	} else {
		waitCtx, cancel := locks.WaitContext(ctx, timeout)
		ok, err = locks.WaitResult(ctx, m.Lock(waitCtx))
		cancel()
	}

	switch {
	case err != nil:
		metrics.BackendOperationsTotal.WithLabelValues(Backend, "acquire", "failure").Inc()
		return false, err
	case !ok:
		metrics.BackendOperationsTotal.WithLabelValues(Backend, "acquire", "timeout").Inc()
		return false, nil
	}
	metrics.BackendOperationsTotal.WithLabelValues(Backend, "acquire", "success").Inc()
	l.logger.Debug("etcd mutex acquired", zap.String("key", m.Key()), zap.Bool("shared", shared))
	l.mutex = m
	return true, nil
}

func (l *mutexLock) Unlock(bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.mutex == nil {
		return fmt.Errorf("%w: etcd mutex %s", locks.ErrUnlockWithoutLock, l.key)
	}

	// The caller's context may be gone by now; unlock on a fresh one.
	ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
	defer cancel()
	err := l.mutex.Unlock(ctx)
	l.mutex = nil
	if err != nil {
		metrics.BackendOperationsTotal.WithLabelValues(Backend, "release", "failure").Inc()
		return fmt.Errorf("failed to release etcd mutex %s: %w", l.key, err)
	}
	metrics.BackendOperationsTotal.WithLabelValues(Backend, "release", "success").Inc()
	return nil
}
