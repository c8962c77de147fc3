package synccontext

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ebogdum/artilock/config"
	artilog "github.com/ebogdum/artilock/internal/log"
	"github.com/ebogdum/artilock/locks"
	"github.com/ebogdum/artilock/locks/etcd"
	"github.com/ebogdum/artilock/locks/filelock"
	"github.com/ebogdum/artilock/locks/postgres"
	"github.com/ebogdum/artilock/locks/redis"
	"github.com/ebogdum/artilock/namemapper"
	"github.com/ebogdum/artilock/repository"
)

// BackendConstructor builds a named lock factory from configuration.
type BackendConstructor func(ctx context.Context, cfg config.AppConfig, logger *zap.Logger) (locks.NamedLockFactory, error)

// NameMapperConstructor builds a name mapper from configuration.
type NameMapperConstructor func(cfg config.AppConfig, logger *zap.Logger) (namemapper.NameMapper, error)

// Factory selects the backend and name mapper named by configuration once
// per process and hands out sync contexts over them.
type Factory struct {
	cfg    config.AppConfig
	logger *zap.Logger

	mu       sync.Mutex
	backends map[string]BackendConstructor
	mappers  map[string]NameMapperConstructor
	adapter  *Adapter
	shutdown bool
}

// NewFactory returns a factory with every built-in backend and name mapper
// registered.
func NewFactory(cfg config.AppConfig, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Factory{
		cfg:      cfg,
		logger:   logger,
		backends: make(map[string]BackendConstructor),
		mappers:  make(map[string]NameMapperConstructor),
	}
	for name, ctor := range builtinBackends() {
		f.backends[name] = ctor
	}
	for name, ctor := range builtinNameMappers() {
		f.mappers[name] = ctor
	}
	return f
}

// RegisterBackend adds or replaces a backend. It has no effect once the
// adapter has been selected.
func (f *Factory) RegisterBackend(name string, ctor BackendConstructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backends[name] = ctor
}

// RegisterNameMapper adds or replaces a name mapper. It has no effect once
// the adapter has been selected.
func (f *Factory) RegisterNameMapper(name string, ctor NameMapperConstructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mappers[name] = ctor
}

// Backends lists the registered backend names.
func (f *Factory) Backends() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sortedKeys(f.backends)
}

// NameMappers lists the registered name mapper names.
func (f *Factory) NameMappers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sortedKeys(f.mappers)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Adapter selects the configured backend and mapper on first use and
// returns the same adapter afterwards. Unknown names fail with
// ErrUnknownBackend or ErrUnknownNameMapper.
func (f *Factory) Adapter(ctx context.Context) (*Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shutdown {
		return nil, ErrShutdown
	}
	if f.adapter != nil {
		return f.adapter, nil
	}

	sc := f.cfg.Sync
	timeout, err := sc.AcquireTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid sync timeout: %w", err)
	}

	newMapper, ok := f.mappers[sc.NameMapper]
	if !ok {
		return nil, fmt.Errorf("%w: %q, known are %v", ErrUnknownNameMapper, sc.NameMapper, sortedKeys(f.mappers))
	}
	newBackend, ok := f.backends[sc.Factory]
	if !ok {
		return nil, fmt.Errorf("%w: %q, known are %v", ErrUnknownBackend, sc.Factory, sortedKeys(f.backends))
	}

	if sc.Factory == filelock.Backend && sc.NameMapper != namemapper.FileGAV && sc.NameMapper != namemapper.FileHashingGAV {
		return nil, fmt.Errorf("%w: %s names are not file paths, %s needs %s or %s",
			ErrUnknownNameMapper, sc.NameMapper, sc.Factory, namemapper.FileGAV, namemapper.FileHashingGAV)
	}

	mapper, err := newMapper(f.cfg, f.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create name mapper %s: %w", sc.NameMapper, err)
	}
	factory, err := newBackend(ctx, f.cfg, f.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create named lock factory %s: %w", sc.Factory, err)
	}

	f.logger.Info("Named lock factory selected",
		zap.String("factory", sc.Factory),
		zap.String("name_mapper", sc.NameMapper),
		zap.Duration("timeout", timeout))
	f.adapter = NewAdapter(sc.Factory, factory, mapper, timeout, f.logger)
	return f.adapter, nil
}

// NewInstance creates a sync context of the given mode for session.
func (f *Factory) NewInstance(ctx context.Context, session *repository.Session, shared bool) (*SyncContext, error) {
	if session == nil {
		return nil, ErrNilSession
	}
	adapter, err := f.Adapter(ctx)
	if err != nil {
		return nil, err
	}
	return adapter.NewInstance(ctx, session, shared)
}

// Shutdown shuts the selected backend down. It is safe to call when no
// adapter was ever selected, and more than once. Afterwards the factory
// hands out nothing and fails with ErrShutdown.
func (f *Factory) Shutdown() error {
	f.mu.Lock()
	adapter := f.adapter
	f.adapter = nil
	f.shutdown = true
	f.mu.Unlock()

	if adapter == nil {
		return nil
	}
	return adapter.Shutdown()
}

func builtinBackends() map[string]BackendConstructor {
	return map[string]BackendConstructor{
		locks.BackendNoop: func(context.Context, config.AppConfig, *zap.Logger) (locks.NamedLockFactory, error) {
			return locks.NewNoopFactory(), nil
		},
		locks.BackendGlobal: func(_ context.Context, _ config.AppConfig, logger *zap.Logger) (locks.NamedLockFactory, error) {
			return locks.NewGlobalFactory(locks.WithLogger(logger)), nil
		},
		locks.BackendLocalRW: func(_ context.Context, _ config.AppConfig, logger *zap.Logger) (locks.NamedLockFactory, error) {
			return locks.NewLocalReadWriteLockFactory(locks.WithLogger(logger)), nil
		},
		locks.BackendLocalSemaphore: func(_ context.Context, _ config.AppConfig, logger *zap.Logger) (locks.NamedLockFactory, error) {
			return locks.NewLocalSemaphoreFactory(locks.WithLogger(logger)), nil
		},
		filelock.Backend: func(_ context.Context, cfg config.AppConfig, logger *zap.Logger) (locks.NamedLockFactory, error) {
			return filelock.NewFactory(filelock.Config{PollInterval: cfg.File.PollInterval}, locks.WithLogger(logger)), nil
		},
		redis.BackendReadWrite: func(ctx context.Context, cfg config.AppConfig, logger *zap.Logger) (locks.NamedLockFactory, error) {
			rc := redisConfig(cfg.Redis)
			logger.Info("Connecting to Redis", zap.String("addr", rc.Addr), artilog.Secret("password", rc.Password))
			client, err := redis.NewClient(ctx, rc)
			if err != nil {
				return nil, err
			}
			return redis.NewReadWriteFactory(client, rc, logger), nil
		},
		redis.BackendSemaphore: func(ctx context.Context, cfg config.AppConfig, logger *zap.Logger) (locks.NamedLockFactory, error) {
			rc := redisConfig(cfg.Redis)
			logger.Info("Connecting to Redis", zap.String("addr", rc.Addr), artilog.Secret("password", rc.Password))
			client, err := redis.NewClient(ctx, rc)
			if err != nil {
				return nil, err
			}
			return redis.NewSemaphoreFactory(client, rc, logger), nil
		},
		postgres.Backend: func(ctx context.Context, cfg config.AppConfig, logger *zap.Logger) (locks.NamedLockFactory, error) {
			pc := postgres.Config{DSN: cfg.Postgres.DSN, PollInterval: cfg.Postgres.PollInterval}
			logger.Info("Connecting to PostgreSQL", zap.String("dsn", artilog.MaskURL(pc.DSN)))
			db, err := postgres.Open(ctx, pc)
			if err != nil {
				return nil, err
			}
			return postgres.NewFactory(db, pc, logger), nil
		},
		etcd.Backend: func(_ context.Context, cfg config.AppConfig, logger *zap.Logger) (locks.NamedLockFactory, error) {
			factory, err := etcd.NewFactory(etcd.Config{
				Endpoints:   cfg.Etcd.Endpoints,
				DialTimeout: cfg.Etcd.DialTimeout,
				SessionTTL:  cfg.Etcd.SessionTTL,
				Prefix:      cfg.Etcd.Prefix,
			}, logger)
			if err != nil {
				return nil, err
			}
			return factory, nil
		},
	}
}

func redisConfig(c config.RedisConfig) redis.Config {
	return redis.Config{
		Addr:         c.Addr,
		Password:     c.Password,
		DB:           c.DB,
		KeyPrefix:    c.KeyPrefix,
		LeaseTTL:     c.LeaseTTL,
		PollInterval: c.PollInterval,
	}
}

func builtinNameMappers() map[string]NameMapperConstructor {
	return map[string]NameMapperConstructor{
		namemapper.Static: func(config.AppConfig, *zap.Logger) (namemapper.NameMapper, error) {
			return namemapper.NewStatic(), nil
		},
		namemapper.GAV: func(config.AppConfig, *zap.Logger) (namemapper.NameMapper, error) {
			return namemapper.NewGAV(), nil
		},
		namemapper.LGAV: func(cfg config.AppConfig, logger *zap.Logger) (namemapper.NameMapper, error) {
			return namemapper.NewLGAV(cfg.Sync.Discriminator, logger), nil
		},
		namemapper.FileGAV: func(config.AppConfig, *zap.Logger) (namemapper.NameMapper, error) {
			return namemapper.NewFileGAV(), nil
		},
		namemapper.FileHashingGAV: func(config.AppConfig, *zap.Logger) (namemapper.NameMapper, error) {
			return namemapper.NewFileHashingGAV(), nil
		},
	}
}
