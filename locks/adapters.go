package locks

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// MaxPermits is the size of every adapted semaphore. Shared holds take one
// permit, exclusive holds take all of them.
const MaxPermits int64 = math.MaxInt32

// AdaptedLock wraps lock-like primitives that share no common ancestor.
type AdaptedLock interface {
	// TryLock waits up to timeout for the lock. It returns false without
	// error on timeout and an ErrInterrupted error when ctx is cancelled.
	TryLock(ctx context.Context, timeout time.Duration) (bool, error)

	Unlock() error
}

// AdaptedReadWriteLock wraps read-write-lock-like primitives.
type AdaptedReadWriteLock interface {
	ReadLock() AdaptedLock
	WriteLock() AdaptedLock
}

// AdaptedSemaphore wraps semaphore-like primitives sized to MaxPermits.
type AdaptedSemaphore interface {
	TryAcquire(ctx context.Context, permits int64, timeout time.Duration) (bool, error)
	Release(permits int64) error
}

// Interrupted returns the error reported when ctx ends a wait.
func Interrupted(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrInterrupted, context.Cause(ctx))
}

// WaitContext derives the context a bounded wait runs under.
func WaitContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout < 0 {
		timeout = 0
	}
	return context.WithTimeout(ctx, timeout)
}

// WaitResult classifies the error of a wait run under WaitContext(parent, ...):
// parent cancellation is an interruption, the wait deadline is a plain timeout.
func WaitResult(parent context.Context, err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	if parent.Err() != nil {
		return false, Interrupted(parent)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return false, nil
	}
	return false, err
}

// Remaining returns how much of a wait budget is left, never negative.
func Remaining(deadline time.Time) time.Duration {
	d := time.Until(deadline)
	if d < 0 {
		return 0
	}
	return d
}
