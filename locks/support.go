package locks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/xxh3"
	"go.uber.org/zap"

	"github.com/ebogdum/artilock/metrics"
)

// ErrLockReleased is returned when a lock reference is closed after its
// factory already dropped it.
var ErrLockReleased = errors.New("named lock already released")

const shardCount = 64

// Step is one entry on an owner's stack for a lock.
type Step int

const (
	// StepNoop marks a reentrant acquisition that took nothing underneath.
	StepNoop Step = iota
	StepShared
	StepExclusive
)

func (s Step) String() string {
	switch s {
	case StepShared:
		return "shared"
	case StepExclusive:
		return "exclusive"
	default:
		return "noop"
	}
}

// supportedLock is what a FactorySupport table holds.
type supportedLock interface {
	NamedLock
	support() *lockSupport
	destroy() error
}

// lockSupport carries the name, reference count and per-owner step stacks
// shared by every interned lock type.
type lockSupport struct {
	name    string
	factory *FactorySupport
	refs    atomic.Int64

	mu    sync.Mutex
	steps map[Owner][]Step
}

func newLockSupport(name string, factory *FactorySupport) *lockSupport {
	return &lockSupport{name: name, factory: factory, steps: make(map[Owner][]Step)}
}

// Name returns the lock name.
func (s *lockSupport) Name() string {
	return s.name
}

// Close hands the reference back to the factory.
func (s *lockSupport) Close() error {
	if !s.factory.closeLock(s) && s.refs.Load() < 0 {
		return fmt.Errorf("%w: %s", ErrLockReleased, s.name)
	}
	return nil
}

func (s *lockSupport) support() *lockSupport {
	return s
}

// reenter pushes a noop step when owner already holds the lock in a
// compatible mode. Holding only shared and asking for exclusive is refused.
func (s *lockSupport) reenter(owner Owner, exclusive bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	steps := s.steps[owner]
	if len(steps) == 0 {
		return false, nil
	}
	if exclusive && !slices.Contains(steps, StepExclusive) {
		return false, fmt.Errorf("%w: %s", ErrLockUpgradeUnsupported, s.name)
	}
	s.steps[owner] = append(steps, StepNoop)
	return true, nil
}

func (s *lockSupport) push(owner Owner, step Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[owner] = append(s.steps[owner], step)
}

func (s *lockSupport) pop(owner Owner) (Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	steps := s.steps[owner]
	if len(steps) == 0 {
		return StepNoop, fmt.Errorf("%w: %s", ErrUnlockWithoutLock, s.name)
	}
	step := steps[len(steps)-1]
	if len(steps) == 1 {
		delete(s.steps, owner)
	} else {
		s.steps[owner] = steps[:len(steps)-1]
	}
	return step, nil
}

func (s *lockSupport) holders() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}

// lock runs the shared lock algorithm: reenter when possible, otherwise take
// the underlying primitive and record the step.
func (s *lockSupport) lock(ctx context.Context, timeout time.Duration, exclusive bool,
	acquire func(ctx context.Context, timeout time.Duration) (bool, error)) (bool, error) {
	mode := metrics.Mode(!exclusive)
	backend := s.factory.backend

	owner, err := ownerOf(ctx)
	if err != nil {
		return false, err
	}

	reentered, err := s.reenter(owner, exclusive)
	if err != nil {
		metrics.NamedLockAcquisitionsTotal.WithLabelValues(backend, mode, metrics.ResultUpgradeRejected).Inc()
		return false, err
	}
	if reentered {
		metrics.NamedLockAcquisitionsTotal.WithLabelValues(backend, mode, metrics.ResultReentered).Inc()
		return true, nil
	}

	start := time.Now()
	locked, err := acquire(ctx, timeout)
	metrics.NamedLockWaitDuration.WithLabelValues(backend, mode).Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, ErrInterrupted):
		metrics.NamedLockAcquisitionsTotal.WithLabelValues(backend, mode, metrics.ResultInterrupted).Inc()
		return false, err
	case err != nil:
		metrics.NamedLockAcquisitionsTotal.WithLabelValues(backend, mode, metrics.ResultError).Inc()
		return false, fmt.Errorf("failed to lock %s: %w", s.name, err)
	case !locked:
		metrics.NamedLockAcquisitionsTotal.WithLabelValues(backend, mode, metrics.ResultTimeout).Inc()
		return false, nil
	}

	step := StepShared
	if exclusive {
		step = StepExclusive
	}
	s.push(owner, step)
	metrics.NamedLockAcquisitionsTotal.WithLabelValues(backend, mode, metrics.ResultAcquired).Inc()
	return true, nil
}

// unlock pops one step and hands real steps to release.
func (s *lockSupport) unlock(ctx context.Context, release func(step Step) error) error {
	owner, err := ownerOf(ctx)
	if err != nil {
		return err
	}
	step, err := s.pop(owner)
	if err != nil {
		return err
	}
	if step == StepNoop {
		return nil
	}
	if err := release(step); err != nil {
		return fmt.Errorf("failed to unlock %s: %w", s.name, err)
	}
	return nil
}

// LockInfo describes one interned lock.
type LockInfo struct {
	Name    string `json:"name"`
	Refs    int64  `json:"refs"`
	Holders int    `json:"holders"`
}

type shard struct {
	mu    sync.Mutex
	locks map[string]supportedLock
}

// FactorySupport interns named locks and reference counts them. Get and
// close on one name are serialized by that name's shard; names in other
// shards proceed independently.
type FactorySupport struct {
	backend  string
	create   func(name string, support *lockSupport) supportedLock
	shutdown func() error
	logger   *zap.Logger
	shards   [shardCount]shard
}

// Option configures a FactorySupport.
type Option func(*FactorySupport)

// WithLogger sets the factory logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *FactorySupport) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithShutdown registers a hook run by Shutdown after the leak check.
func WithShutdown(fn func() error) Option {
	return func(f *FactorySupport) {
		f.shutdown = fn
	}
}

func newFactorySupport(backend string, create func(string, *lockSupport) supportedLock, opts []Option) *FactorySupport {
	f := &FactorySupport{
		backend: backend,
		create:  create,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.Named("locks").With(zap.String("backend", backend))
	for i := range f.shards {
		f.shards[i].locks = make(map[string]supportedLock)
	}
	return f
}

// NewReadWriteLockFactory returns a factory whose locks are backed by the
// read-write primitives newLock creates. Primitives implementing io.Closer
// are closed when their lock is destroyed.
func NewReadWriteLockFactory(backend string, newLock func(name string) AdaptedReadWriteLock, opts ...Option) *FactorySupport {
	return newFactorySupport(backend, func(name string, s *lockSupport) supportedLock {
		return &readWriteNamedLock{lockSupport: s, rw: newLock(name)}
	}, opts)
}

// NewSemaphoreFactory returns a factory whose locks are backed by the
// semaphores newSemaphore creates.
func NewSemaphoreFactory(backend string, newSemaphore func(name string) AdaptedSemaphore, opts ...Option) *FactorySupport {
	return newFactorySupport(backend, func(name string, s *lockSupport) supportedLock {
		return &semaphoreNamedLock{lockSupport: s, sem: newSemaphore(name)}
	}, opts)
}

// Backend returns the backend name the factory was registered under.
func (f *FactorySupport) Backend() string {
	return f.backend
}

func (f *FactorySupport) shardFor(name string) *shard {
	return &f.shards[xxh3.HashString(name)%shardCount]
}

// GetLock returns the interned lock for name, creating it on first use, and
// takes one reference on it.
func (f *FactorySupport) GetLock(name string) NamedLock {
	sh := f.shardFor(name)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	l, ok := sh.locks[name]
	if !ok {
		l = f.create(name, newLockSupport(name, f))
		sh.locks[name] = l
		metrics.NamedLocksInterned.WithLabelValues(f.backend).Inc()
		f.logger.Debug("Named lock created", zap.String("name", name))
	}
	l.support().refs.Add(1)
	return l
}

// closeLock drops one reference and destroys the lock when none remain.
// It reports whether the lock was destroyed.
func (f *FactorySupport) closeLock(s *lockSupport) bool {
	sh := f.shardFor(s.name)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	l, ok := sh.locks[s.name]
	if !ok || l.support() != s {
		s.refs.Add(-1)
		f.logger.Warn("Close of a named lock that is no longer interned", zap.String("name", s.name))
		return false
	}
	if s.refs.Add(-1) > 0 {
		return false
	}

	delete(sh.locks, s.name)
	metrics.NamedLocksInterned.WithLabelValues(f.backend).Dec()
	if err := l.destroy(); err != nil {
		f.logger.Warn("Failed to destroy named lock", zap.String("name", s.name), zap.Error(err))
	}
	f.logger.Debug("Named lock destroyed", zap.String("name", s.name))
	return true
}

// Len returns the number of interned locks.
func (f *FactorySupport) Len() int {
	n := 0
	for i := range f.shards {
		sh := &f.shards[i]
		sh.mu.Lock()
		n += len(sh.locks)
		sh.mu.Unlock()
	}
	return n
}

// Snapshot lists the interned locks sorted by name.
func (f *FactorySupport) Snapshot() []LockInfo {
	var infos []LockInfo
	for i := range f.shards {
		sh := &f.shards[i]
		sh.mu.Lock()
		for name, l := range sh.locks {
			infos = append(infos, LockInfo{
				Name:    name,
				Refs:    l.support().refs.Load(),
				Holders: l.support().holders(),
			})
		}
		sh.mu.Unlock()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Shutdown reports locks still referenced as leaks, then runs the backend
// shutdown hook.
func (f *FactorySupport) Shutdown() error {
	for _, info := range f.Snapshot() {
		if info.Refs > 0 {
			metrics.NamedLockLeaksTotal.WithLabelValues(f.backend).Inc()
			f.logger.Warn("Named lock leak",
				zap.String("name", info.Name),
				zap.Int64("references", info.Refs),
				zap.Int("holders", info.Holders))
		}
	}
	if f.shutdown != nil {
		return f.shutdown()
	}
	return nil
}

func closePrimitive(p any) error {
	if c, ok := p.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// readWriteNamedLock adapts an AdaptedReadWriteLock.
type readWriteNamedLock struct {
	*lockSupport
	rw AdaptedReadWriteLock
}

func (l *readWriteNamedLock) LockShared(ctx context.Context, timeout time.Duration) (bool, error) {
	return l.lock(ctx, timeout, false, l.rw.ReadLock().TryLock)
}

func (l *readWriteNamedLock) LockExclusively(ctx context.Context, timeout time.Duration) (bool, error) {
	return l.lock(ctx, timeout, true, l.rw.WriteLock().TryLock)
}

func (l *readWriteNamedLock) Unlock(ctx context.Context) error {
	return l.unlock(ctx, func(step Step) error {
		if step == StepExclusive {
			return l.rw.WriteLock().Unlock()
		}
		return l.rw.ReadLock().Unlock()
	})
}

func (l *readWriteNamedLock) destroy() error {
	return closePrimitive(l.rw)
}

// semaphoreNamedLock adapts an AdaptedSemaphore: shared takes one permit,
// exclusive takes MaxPermits.
type semaphoreNamedLock struct {
	*lockSupport
	sem AdaptedSemaphore
}

func permitsFor(step Step) int64 {
	if step == StepExclusive {
		return MaxPermits
	}
	return 1
}

func (l *semaphoreNamedLock) LockShared(ctx context.Context, timeout time.Duration) (bool, error) {
	return l.lock(ctx, timeout, false, func(ctx context.Context, timeout time.Duration) (bool, error) {
		return l.sem.TryAcquire(ctx, permitsFor(StepShared), timeout)
	})
}

func (l *semaphoreNamedLock) LockExclusively(ctx context.Context, timeout time.Duration) (bool, error) {
	return l.lock(ctx, timeout, true, func(ctx context.Context, timeout time.Duration) (bool, error) {
		return l.sem.TryAcquire(ctx, permitsFor(StepExclusive), timeout)
	})
}

func (l *semaphoreNamedLock) Unlock(ctx context.Context) error {
	return l.unlock(ctx, func(step Step) error {
		return l.sem.Release(permitsFor(step))
	})
}

func (l *semaphoreNamedLock) destroy() error {
	return closePrimitive(l.sem)
}
