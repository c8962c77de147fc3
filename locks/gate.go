package locks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"
)

// ProcessLock is a cross-process primitive held on behalf of the whole
// process, such as an flock on a file descriptor or an etcd mutex bound to
// the process session. It cannot tell in-process owners apart.
type ProcessLock interface {
	TryLock(ctx context.Context, shared bool, timeout time.Duration) (bool, error)
	Unlock(shared bool) error
}

// ProcessGatedLock puts a LocalReadWriteLock in front of a ProcessLock.
// In-process owners contend on the local lock; the process lock is held
// while any local holder is present.
type ProcessGatedLock struct {
	local    *LocalReadWriteLock
	external ProcessLock

	// turn serializes reader count changes, including the external
	// acquisition of the first reader, so waiting for it stays bounded.
	turn    *semaphore.Weighted
	readers int
}

// NewProcessGatedLock gates external behind a fresh local lock.
func NewProcessGatedLock(external ProcessLock) *ProcessGatedLock {
	return &ProcessGatedLock{
		local:    NewLocalReadWriteLock(),
		external: external,
		turn:     semaphore.NewWeighted(1),
	}
}

func (g *ProcessGatedLock) enter(ctx context.Context, timeout time.Duration) (bool, error) {
	if ctx.Err() != nil {
		return false, Interrupted(ctx)
	}
	if g.turn.TryAcquire(1) {
		return true, nil
	}
	if timeout <= 0 {
		return false, nil
	}

	waitCtx, cancel := WaitContext(ctx, timeout)
	defer cancel()
	return WaitResult(ctx, g.turn.Acquire(waitCtx, 1))
}

// ReadLock returns the shared half.
func (g *ProcessGatedLock) ReadLock() AdaptedLock {
	return gatedReadLock{g}
}

// WriteLock returns the exclusive half.
func (g *ProcessGatedLock) WriteLock() AdaptedLock {
	return gatedWriteLock{g}
}

// Close closes the external lock when it holds resources.
func (g *ProcessGatedLock) Close() error {
	return closePrimitive(g.external)
}

type gatedReadLock struct{ g *ProcessGatedLock }

func (r gatedReadLock) TryLock(ctx context.Context, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	local := r.g.local.ReadLock()
	if ok, err := local.TryLock(ctx, timeout); !ok || err != nil {
		return ok, err
	}

	if ok, err := r.g.enter(ctx, Remaining(deadline)); !ok || err != nil {
		return false, multierr.Append(err, local.Unlock())
	}
	defer r.g.turn.Release(1)

	if r.g.readers == 0 {
		ok, err := r.g.external.TryLock(ctx, true, Remaining(deadline))
		if !ok || err != nil {
			return false, multierr.Append(err, local.Unlock())
		}
	}
	r.g.readers++
	return true, nil
}

func (r gatedReadLock) Unlock() error {
	var err error
	// Only a reader still acquiring holds the turn, for at most its timeout.
	if aerr := r.g.turn.Acquire(context.Background(), 1); aerr != nil {
		return aerr
	}
	if r.g.readers == 0 {
		r.g.turn.Release(1)
		return fmt.Errorf("%w: gated read lock not held", ErrUnlockWithoutLock)
	}
	r.g.readers--
	if r.g.readers == 0 {
		err = r.g.external.Unlock(true)
	}
	r.g.turn.Release(1)
	return multierr.Append(err, r.g.local.ReadLock().Unlock())
}

type gatedWriteLock struct{ g *ProcessGatedLock }

func (w gatedWriteLock) TryLock(ctx context.Context, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	local := w.g.local.WriteLock()
	if ok, err := local.TryLock(ctx, timeout); !ok || err != nil {
		return ok, err
	}

	ok, err := w.g.external.TryLock(ctx, false, Remaining(deadline))
	if !ok || err != nil {
		return false, multierr.Append(err, local.Unlock())
	}
	return true, nil
}

func (w gatedWriteLock) Unlock() error {
	err := w.g.external.Unlock(false)
	return multierr.Append(err, w.g.local.WriteLock().Unlock())
}
