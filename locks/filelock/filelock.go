// Package filelock provides the file-lock backend: advisory locks on files
// so that independent processes on one host cooperate.
package filelock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ebogdum/artilock/locks"
	"github.com/ebogdum/artilock/metrics"
)

// Backend is the factory name of the file-lock backend.
const Backend = "file-lock"

// Config configures the file-lock backend.
type Config struct {
	PollInterval time.Duration
}

// NewFactory returns a factory whose lock names are file paths, as produced
// by the file-gav and file-hgav name mappers. In-process owners contend on a
// local lock; the file is locked while any of them holds it.
func NewFactory(cfg Config, opts ...locks.Option) *locks.FactorySupport {
	return locks.NewReadWriteLockFactory(Backend, func(name string) locks.AdaptedReadWriteLock {
		return locks.NewProcessGatedLock(&fileLock{path: name, poll: cfg.PollInterval})
	}, opts...)
}

// fileLock is one advisory lock on one file, held by the whole process.
type fileLock struct {
	path string
	poll time.Duration

	mu   sync.Mutex
	file *os.File
}

func (l *fileLock) TryLock(ctx context.Context, shared bool, timeout time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return false, fmt.Errorf("file lock %s already held by this process", l.path)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, fmt.Errorf("create lock directory for %s: %w", l.path, err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return false, fmt.Errorf("open lock file %s: %w", l.path, err)
	}

	ok, err := locks.Poll(ctx, timeout, l.poll, func(context.Context) (bool, error) {
		return tryFlock(f, shared)
	})
	if !ok || err != nil {
		f.Close()
		status := "timeout"
		if err != nil {
			status = "failure"
		}
		metrics.BackendOperationsTotal.WithLabelValues(Backend, "acquire", status).Inc()
		return false, err
	}
	metrics.BackendOperationsTotal.WithLabelValues(Backend, "acquire", "success").Inc()
	l.file = f
	return true, nil
}

func (l *fileLock) Unlock(bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("%w: file lock %s", locks.ErrUnlockWithoutLock, l.path)
	}
	err := unflock(l.file)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil

	status := "success"
	if err != nil {
		status = "failure"
	}
	metrics.BackendOperationsTotal.WithLabelValues(Backend, "release", status).Inc()
	return err
}
