// Package synccontext provides sync scopes: the boundary through which
// collaborators lock a set of artifacts and metadata in the local
// repository before touching it, and release them afterwards.
package synccontext

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ebogdum/artilock/locks"
	"github.com/ebogdum/artilock/metrics"
	"github.com/ebogdum/artilock/repository"
)

// Common sync errors
var (
	ErrLockTimeout       = errors.New("could not acquire lock in time")
	ErrUnknownBackend    = errors.New("unknown named lock factory")
	ErrUnknownNameMapper = errors.New("unknown name mapper")
	ErrNilSession        = errors.New("session is required")
	ErrClosed            = errors.New("sync context is closed")
	ErrShutdown          = errors.New("sync context factory is shut down")
)

// SyncContext is one sync scope. All its locks are taken in one mode and
// are released together by Close. A SyncContext belongs to the goroutine
// that created it; nested scopes are created from its Context.
type SyncContext struct {
	adapter *Adapter
	session *repository.Session
	shared  bool
	ctx     context.Context

	mu     sync.Mutex
	held   []locks.NamedLock
	closed bool
}

// Context returns the owner-carrying context of the scope. Scopes created
// from it are nested in this one: they share its lock ownership, so shared
// in shared and anything in exclusive succeed without waiting.
func (s *SyncContext) Context() context.Context {
	return s.ctx
}

// Shared reports the mode of the scope.
func (s *SyncContext) Shared() bool {
	return s.shared
}

// Acquire locks every name the mapper derives from artifacts and metadata,
// in sorted order. On failure the lock that failed is released and the
// error returned; locks taken before it stay held until Close.
func (s *SyncContext) Acquire(artifacts []repository.Artifact, metadata []repository.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	// Every scope takes overlapping names in the same order, whatever the
	// mapper returned.
	names := slices.Clone(s.adapter.mapper.NameLocks(s.session, artifacts, metadata))
	slices.Sort(names)
	names = slices.Compact(names)
	if len(names) == 0 {
		s.adapter.logger.Debug("No locks to acquire", zap.Bool("shared", s.shared))
		return nil
	}

	sharedLabel := strconv.FormatBool(s.shared)
	start := time.Now()
	err := s.acquireAll(names)
	metrics.SyncContextAcquireDuration.WithLabelValues(sharedLabel).Observe(time.Since(start).Seconds())

	status := "success"
	switch {
	case errors.Is(err, ErrLockTimeout):
		status = "timeout"
	case errors.Is(err, locks.ErrInterrupted):
		status = "interrupted"
	case err != nil:
		status = "failure"
	}
	metrics.SyncContextAcquisitionsTotal.WithLabelValues(sharedLabel, status).Inc()
	return err
}

func (s *SyncContext) acquireAll(names []string) error {
	timeout := s.adapter.timeout
	for _, name := range names {
		l := s.adapter.factory.GetLock(name)

		var ok bool
		var err error
		if s.shared {
			ok, err = l.LockShared(s.ctx, timeout)
		} else {
			ok, err = l.LockExclusively(s.ctx, timeout)
		}

		if !ok || err != nil {
			if err == nil {
				err = fmt.Errorf("%w: %s (%s) within %v", ErrLockTimeout, name, metrics.Mode(s.shared), timeout)
			} else {
				err = fmt.Errorf("could not acquire %s lock for %s: %w", metrics.Mode(s.shared), name, err)
			}
			s.adapter.logger.Debug("Failed to acquire lock",
				zap.String("name", name), zap.Bool("shared", s.shared), zap.Error(err))
			return multierr.Append(err, l.Close())
		}

		s.held = append(s.held, l)
		metrics.SyncContextLocksHeld.Inc()
		s.adapter.logger.Debug("Acquired lock", zap.String("name", name), zap.Bool("shared", s.shared))
	}
	return nil
}

// Close releases every held lock, most recent first. Every release is
// attempted; their errors are combined. Close may be called more than once.
func (s *SyncContext) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	for i := len(s.held) - 1; i >= 0; i-- {
		l := s.held[i]
		if uerr := l.Unlock(s.ctx); uerr != nil {
			err = multierr.Append(err, fmt.Errorf("release %s: %w", l.Name(), uerr))
		}
		if cerr := l.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close %s: %w", l.Name(), cerr))
		}
		metrics.SyncContextLocksHeld.Dec()
		s.adapter.logger.Debug("Released lock", zap.String("name", l.Name()), zap.Bool("shared", s.shared))
	}
	s.held = nil

	if err != nil {
		s.adapter.logger.Warn("Failed to release sync context cleanly", zap.Error(err))
	}
	return err
}

// Held returns the names of the locks held by the scope in acquisition
// order.
func (s *SyncContext) Held() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.held))
	for i, l := range s.held {
		names[i] = l.Name()
	}
	return names
}
