package synccontext

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ebogdum/artilock/locks"
	"github.com/ebogdum/artilock/namemapper"
	"github.com/ebogdum/artilock/repository"
)

// Adapter creates sync contexts over one named lock factory and one name
// mapper.
type Adapter struct {
	factory locks.NamedLockFactory
	mapper  namemapper.NameMapper
	timeout time.Duration
	backend string
	logger  *zap.Logger
}

// NewAdapter returns an adapter acquiring every lock with timeout.
func NewAdapter(backend string, factory locks.NamedLockFactory, mapper namemapper.NameMapper, timeout time.Duration, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		factory: factory,
		mapper:  mapper,
		timeout: timeout,
		backend: backend,
		logger:  logger.Named("synccontext"),
	}
}

// NewInstance creates a scope of the given mode. The scope keeps the lock
// owner of ctx when there is one, which nests it in the scope ctx came from.
func (a *Adapter) NewInstance(ctx context.Context, session *repository.Session, shared bool) (*SyncContext, error) {
	if session == nil {
		return nil, ErrNilSession
	}
	return &SyncContext{
		adapter: a,
		session: session,
		shared:  shared,
		ctx:     locks.WithOwner(ctx),
	}, nil
}

// Backend returns the name of the backend in use.
func (a *Adapter) Backend() string {
	return a.backend
}

// Timeout returns the per-lock acquisition timeout.
func (a *Adapter) Timeout() time.Duration {
	return a.timeout
}

// Snapshot lists the interned locks when the factory keeps a table.
func (a *Adapter) Snapshot() []locks.LockInfo {
	if s, ok := a.factory.(interface{ Snapshot() []locks.LockInfo }); ok {
		return s.Snapshot()
	}
	return []locks.LockInfo{}
}

// NameLocks exposes the mapper, for diagnostics.
func (a *Adapter) NameLocks(session *repository.Session, artifacts []repository.Artifact, metadata []repository.Metadata) []string {
	return a.mapper.NameLocks(session, artifacts, metadata)
}

// Shutdown releases the resources of the factory.
func (a *Adapter) Shutdown() error {
	a.logger.Info("Shutting down named lock factory", zap.String("backend", a.backend))
	return a.factory.Shutdown()
}
