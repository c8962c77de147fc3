// Package locks provides named, reentrant shared/exclusive locks and the
// factories that intern them. Backends plug in through the adapter
// interfaces in adapters.go.
package locks

import (
	"context"
	"errors"
	"time"
)

// Common lock errors
var (
	// ErrInterrupted is returned when the caller's context is cancelled while
	// waiting for a lock. The context's own error is wrapped as well.
	ErrInterrupted = errors.New("lock wait interrupted")

	// ErrLockUpgradeUnsupported is returned when an owner holding a shared
	// lock asks for the same lock exclusively.
	ErrLockUpgradeUnsupported = errors.New("lock upgrade not supported")

	// ErrUnlockWithoutLock is returned by Unlock when the owner holds nothing.
	ErrUnlockWithoutLock = errors.New("wrong API usage: unlock without lock")

	// ErrNoOwner is returned when a lock call carries no owner in its context.
	ErrNoOwner = errors.New("context carries no lock owner")
)

// NamedLock is a reentrant shared/exclusive lock identified by a name.
//
// Every call identifies its owner through the context (see WithOwner). An
// owner may re-enter a lock it holds, shared in shared, shared in exclusive,
// or exclusive in exclusive, without blocking. Asking for exclusive while
// holding only shared fails immediately with ErrLockUpgradeUnsupported.
type NamedLock interface {
	// Name returns the lock name.
	Name() string

	// LockShared acquires the lock in shared mode, waiting up to timeout.
	// It returns false without error when the timeout elapsed.
	LockShared(ctx context.Context, timeout time.Duration) (bool, error)

	// LockExclusively acquires the lock in exclusive mode, waiting up to timeout.
	// It returns false without error when the timeout elapsed.
	LockExclusively(ctx context.Context, timeout time.Duration) (bool, error)

	// Unlock releases one step previously taken by the owner.
	Unlock(ctx context.Context) error

	// Close hands this reference back to the factory that issued it.
	Close() error
}

// NamedLockFactory creates and interns named locks.
type NamedLockFactory interface {
	// GetLock returns the lock for name, creating it on first use. Every
	// returned lock must be closed exactly once.
	GetLock(name string) NamedLock

	// Shutdown releases process-wide resources held by the backend.
	Shutdown() error
}
