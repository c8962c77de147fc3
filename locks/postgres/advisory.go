// Package postgres provides the rwlock-postgres backend over PostgreSQL
// session-level advisory locks.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"

	"github.com/ebogdum/artilock/locks"
	"github.com/ebogdum/artilock/metrics"
)

// Backend is the factory name of the PostgreSQL backend.
const Backend = "rwlock-postgres"

const unlockTimeout = 5 * time.Second

// Config configures the PostgreSQL backend.
type Config struct {
	DSN          string
	PollInterval time.Duration
}

// Open opens and pings the database holding the advisory locks.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every held lock pins one connection.
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// NewFactory returns the rwlock-postgres factory. The database is closed by
// Shutdown.
func NewFactory(db *sql.DB, cfg Config, logger *zap.Logger, opts ...locks.Option) *locks.FactorySupport {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("postgres")
	opts = append([]locks.Option{locks.WithLogger(logger), locks.WithShutdown(db.Close)}, opts...)
	return locks.NewReadWriteLockFactory(Backend, func(name string) locks.AdaptedReadWriteLock {
		return &advisoryLock{
			db:     db,
			name:   name,
			key:    Key(name),
			poll:   cfg.PollInterval,
			logger: logger.With(zap.String("name", name)),
		}
	}, opts...)
}

// ConnectTimeout bounds getting a pooled connection when the lock timeout is
// shorter, so the first try-lock runs even under a tiny timeout.
const ConnectTimeout = 5 * time.Second

func connectBudget(timeout time.Duration) time.Duration {
	if timeout < ConnectTimeout {
		return ConnectTimeout
	}
	return timeout
}

// Key maps a lock name to its advisory lock key.
func Key(name string) int64 {
	return int64(xxh3.HashString(name))
}

// advisoryLock holds each acquisition on its own pinned connection, because
// advisory locks are reentrant per database session and would not exclude
// two in-process owners sharing one.
type advisoryLock struct {
	db     *sql.DB
	name   string
	key    int64
	poll   time.Duration
	logger *zap.Logger

	mu     sync.Mutex
	shared []*sql.Conn
	excl   []*sql.Conn
}

func (l *advisoryLock) ReadLock() locks.AdaptedLock {
	return advisoryHalf{l, true}
}

func (l *advisoryLock) WriteLock() locks.AdaptedLock {
	return advisoryHalf{l, false}
}

func (l *advisoryLock) tryLock(ctx context.Context, shared bool, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	connCtx, cancel := locks.WaitContext(ctx, connectBudget(timeout))
	conn, err := l.db.Conn(connCtx)
	cancel()
	if err != nil {
		metrics.BackendOperationsTotal.WithLabelValues(Backend, "acquire", "failure").Inc()
		return locks.WaitResult(ctx, fmt.Errorf("failed to get connection for lock %s: %w", l.name, err))
	}

	query := "SELECT pg_try_advisory_lock($1)"
	if shared {
		query = "SELECT pg_try_advisory_lock_shared($1)"
	}
	ok, err := locks.Poll(ctx, locks.Remaining(deadline), l.poll, func(ctx context.Context) (bool, error) {
		var granted bool
		if err := conn.QueryRowContext(ctx, query, l.key).Scan(&granted); err != nil {
			return false, fmt.Errorf("failed to acquire lock %s: %w", l.name, err)
		}
		return granted, nil
	})
	if !ok || err != nil {
		conn.Close()
		status := "timeout"
		if err != nil {
			status = "failure"
		}
		metrics.BackendOperationsTotal.WithLabelValues(Backend, "acquire", status).Inc()
		return false, err
	}

	metrics.BackendOperationsTotal.WithLabelValues(Backend, "acquire", "success").Inc()
	l.logger.Debug("Advisory lock acquired", zap.Int64("key", l.key), zap.Bool("shared", shared))
	l.mu.Lock()
	if shared {
		l.shared = append(l.shared, conn)
	} else {
		l.excl = append(l.excl, conn)
	}
	l.mu.Unlock()
	return true, nil
}

func (l *advisoryLock) unlock(shared bool) error {
	l.mu.Lock()
	held := &l.excl
	if shared {
		held = &l.shared
	}
	if len(*held) == 0 {
		l.mu.Unlock()
		return fmt.Errorf("%w: advisory lock %s", locks.ErrUnlockWithoutLock, l.name)
	}
	conn := (*held)[len(*held)-1]
	*held = (*held)[:len(*held)-1]
	l.mu.Unlock()

	query := "SELECT pg_advisory_unlock($1)"
	if shared {
		query = "SELECT pg_advisory_unlock_shared($1)"
	}

	// The caller's context may be gone by now; unlock on a fresh one.
	ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
	defer cancel()
	var released bool
	err := conn.QueryRowContext(ctx, query, l.key).Scan(&released)
	if cerr := conn.Close(); err == nil {
		err = cerr
	}
	if err == nil && !released {
		err = fmt.Errorf("%w: advisory lock %s not held by session", locks.ErrUnlockWithoutLock, l.name)
	}

	if err != nil {
		metrics.BackendOperationsTotal.WithLabelValues(Backend, "release", "failure").Inc()
		return err
	}
	metrics.BackendOperationsTotal.WithLabelValues(Backend, "release", "success").Inc()
	l.logger.Debug("Advisory lock released", zap.Int64("key", l.key), zap.Bool("shared", shared))
	return nil
}

type advisoryHalf struct {
	l      *advisoryLock
	shared bool
}

func (h advisoryHalf) TryLock(ctx context.Context, timeout time.Duration) (bool, error) {
	return h.l.tryLock(ctx, h.shared, timeout)
}

func (h advisoryHalf) Unlock() error {
	return h.l.unlock(h.shared)
}
