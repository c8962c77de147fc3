package locks

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
)

// Names of the in-process backends.
const (
	BackendNoop           = "nolock"
	BackendGlobal         = "global"
	BackendLocalRW        = "rwlock-local"
	BackendLocalSemaphore = "semaphore-local"
)

// NewLocalReadWriteLockFactory returns a factory of in-process read-write locks.
func NewLocalReadWriteLockFactory(opts ...Option) *FactorySupport {
	return NewReadWriteLockFactory(BackendLocalRW, func(string) AdaptedReadWriteLock {
		return NewLocalReadWriteLock()
	}, opts...)
}

// NewLocalSemaphoreFactory returns a factory of in-process semaphores.
func NewLocalSemaphoreFactory(opts ...Option) *FactorySupport {
	return NewSemaphoreFactory(BackendLocalSemaphore, func(string) AdaptedSemaphore {
		return NewLocalSemaphore()
	}, opts...)
}

// LocalSemaphore is a weighted semaphore holding MaxPermits permits.
type LocalSemaphore struct {
	sem *semaphore.Weighted
}

// NewLocalSemaphore creates a semaphore with every permit available.
func NewLocalSemaphore() *LocalSemaphore {
	return &LocalSemaphore{sem: semaphore.NewWeighted(MaxPermits)}
}

// TryAcquire takes permits, waiting up to timeout.
func (s *LocalSemaphore) TryAcquire(ctx context.Context, permits int64, timeout time.Duration) (bool, error) {
	if ctx.Err() != nil {
		return false, Interrupted(ctx)
	}
	if s.sem.TryAcquire(permits) {
		return true, nil
	}
	if timeout <= 0 {
		return false, nil
	}

	waitCtx, cancel := WaitContext(ctx, timeout)
	defer cancel()
	return WaitResult(ctx, s.sem.Acquire(waitCtx, permits))
}

// Release gives permits back.
func (s *LocalSemaphore) Release(permits int64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrUnlockWithoutLock, r)
		}
	}()
	s.sem.Release(permits)
	return nil
}

// GlobalFactory maps every name onto one interned lock, turning the whole
// repository into a single read-write lock.
type GlobalFactory struct {
	*FactorySupport
}

const globalLockName = "global"

// NewGlobalFactory returns the global factory.
func NewGlobalFactory(opts ...Option) *GlobalFactory {
	return &GlobalFactory{
		FactorySupport: NewReadWriteLockFactory(BackendGlobal, func(string) AdaptedReadWriteLock {
			return NewLocalReadWriteLock()
		}, opts...),
	}
}

// GetLock returns the single global lock whatever the name.
func (f *GlobalFactory) GetLock(string) NamedLock {
	return f.FactorySupport.GetLock(globalLockName)
}

// NoopFactory hands out locks that never block and never track anything.
type NoopFactory struct{}

// NewNoopFactory returns the no-op factory.
func NewNoopFactory() NoopFactory {
	return NoopFactory{}
}

// GetLock returns a no-op lock.
func (NoopFactory) GetLock(name string) NamedLock {
	return noopLock{name: name}
}

// Shutdown does nothing.
func (NoopFactory) Shutdown() error {
	return nil
}

type noopLock struct {
	name string
}

func (l noopLock) Name() string { return l.name }

func (noopLock) LockShared(context.Context, time.Duration) (bool, error) { return true, nil }

func (noopLock) LockExclusively(context.Context, time.Duration) (bool, error) { return true, nil }

func (noopLock) Unlock(context.Context) error { return nil }

func (noopLock) Close() error { return nil }
