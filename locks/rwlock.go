package locks

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LocalReadWriteLock is an in-process read-write lock whose acquisitions are
// bounded by a timeout and a context. Waiting writers block new readers so a
// steady stream of readers cannot starve them.
type LocalReadWriteLock struct {
	mu             sync.Mutex
	readers        int
	writer         bool
	waitingWriters int
	changed        chan struct{}
}

// NewLocalReadWriteLock creates an unlocked LocalReadWriteLock.
func NewLocalReadWriteLock() *LocalReadWriteLock {
	return &LocalReadWriteLock{changed: make(chan struct{})}
}

// ReadLock returns the shared half of the lock.
func (l *LocalReadWriteLock) ReadLock() AdaptedLock {
	return localReadLock{l}
}

// WriteLock returns the exclusive half of the lock.
func (l *LocalReadWriteLock) WriteLock() AdaptedLock {
	return localWriteLock{l}
}

// broadcastLocked wakes every waiter; caller must hold l.mu.
func (l *LocalReadWriteLock) broadcastLocked() {
	close(l.changed)
	l.changed = make(chan struct{})
}

// tryTake attempts the lock once. On failure it returns the channel that is
// closed on the next state change.
func (l *LocalReadWriteLock) tryTake(exclusive bool, registered *bool) (bool, <-chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if exclusive {
		if !l.writer && l.readers == 0 {
			l.writer = true
			if *registered {
				l.waitingWriters--
				*registered = false
			}
			return true, nil
		}
		if !*registered {
			l.waitingWriters++
			*registered = true
		}
		return false, l.changed
	}

	if !l.writer && l.waitingWriters == 0 {
		l.readers++
		return true, nil
	}
	return false, l.changed
}

func (l *LocalReadWriteLock) abandon(registered bool) {
	if !registered {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.waitingWriters--
	l.broadcastLocked()
}

func (l *LocalReadWriteLock) acquire(ctx context.Context, timeout time.Duration, exclusive bool) (bool, error) {
	if ctx.Err() != nil {
		return false, Interrupted(ctx)
	}
	if timeout < 0 {
		timeout = 0
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	registered := false
	for {
		taken, changed := l.tryTake(exclusive, &registered)
		if taken {
			return true, nil
		}

		select {
		case <-changed:
		case <-timer.C:
			// one last attempt, the release may have raced the timer
			if taken, _ := l.tryTake(exclusive, &registered); taken {
				return true, nil
			}
			l.abandon(registered)
			return false, nil
		case <-ctx.Done():
			l.abandon(registered)
			return false, Interrupted(ctx)
		}
	}
}

type localReadLock struct{ l *LocalReadWriteLock }

func (r localReadLock) TryLock(ctx context.Context, timeout time.Duration) (bool, error) {
	return r.l.acquire(ctx, timeout, false)
}

func (r localReadLock) Unlock() error {
	r.l.mu.Lock()
	defer r.l.mu.Unlock()
	if r.l.readers == 0 {
		return fmt.Errorf("%w: read lock not held", ErrUnlockWithoutLock)
	}
	r.l.readers--
	if r.l.readers == 0 {
		r.l.broadcastLocked()
	}
	return nil
}

type localWriteLock struct{ l *LocalReadWriteLock }

func (w localWriteLock) TryLock(ctx context.Context, timeout time.Duration) (bool, error) {
	return w.l.acquire(ctx, timeout, true)
}

func (w localWriteLock) Unlock() error {
	w.l.mu.Lock()
	defer w.l.mu.Unlock()
	if !w.l.writer {
		return fmt.Errorf("%w: write lock not held", ErrUnlockWithoutLock)
	}
	w.l.writer = false
	w.l.broadcastLocked()
	return nil
}
