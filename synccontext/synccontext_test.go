package synccontext

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ebogdum/artilock/locks"
	"github.com/ebogdum/artilock/locks/filelock"
	"github.com/ebogdum/artilock/namemapper"
	"github.com/ebogdum/artilock/repository"
)

const adapterTimeout = 100 * time.Millisecond

// latch is a countdown latch; counting below zero is ignored.
type latch struct {
	count atomic.Int64
	done  chan struct{}
	once  sync.Once
}

func newLatch(n int64) *latch {
	l := &latch{done: make(chan struct{})}
	l.count.Store(n)
	if n <= 0 {
		close(l.done)
	}
	return l
}

func (l *latch) countDown() {
	if l.count.Add(-1) == 0 {
		l.once.Do(func() { close(l.done) })
	}
}

func (l *latch) await(t *testing.T) {
	t.Helper()
	select {
	case <-l.done:
	case <-time.After(5 * time.Second):
		t.Error("latch not released in time")
	}
}

type adapterCase struct {
	name    string
	adapter func(t *testing.T) *Adapter
}

func adapterCases() []adapterCase {
	local := func(factory func() locks.NamedLockFactory) func(t *testing.T) *Adapter {
		return func(t *testing.T) *Adapter {
			a := NewAdapter("test", factory(), namemapper.NewGAV(), adapterTimeout, nil)
			t.Cleanup(func() { a.Shutdown() })
			return a
		}
	}
	return []adapterCase{
		{locks.BackendLocalRW, local(func() locks.NamedLockFactory { return locks.NewLocalReadWriteLockFactory() })},
		{locks.BackendLocalSemaphore, local(func() locks.NamedLockFactory { return locks.NewLocalSemaphoreFactory() })},
		{locks.BackendGlobal, local(func() locks.NamedLockFactory { return locks.NewGlobalFactory() })},
		{filelock.Backend, func(t *testing.T) *Adapter {
			factory := filelock.NewFactory(filelock.Config{PollInterval: 5 * time.Millisecond})
			a := NewAdapter(filelock.Backend, factory, namemapper.NewFileGAV(), adapterTimeout, nil)
			t.Cleanup(func() { a.Shutdown() })
			return a
		}},
	}
}

func forEachAdapter(t *testing.T, fn func(t *testing.T, a *Adapter, session *repository.Session)) {
	for _, tc := range adapterCases() {
		t.Run(tc.name, func(t *testing.T) {
			session := repository.NewSession(repository.NewLocalRepository(t.TempDir()))
			fn(t, tc.adapter(t), session)
		})
	}
}

func testArtifacts(t *testing.T) []repository.Artifact {
	t.Helper()
	var out []repository.Artifact
	for _, coords := range []string{"groupId:artifactId:1.0", "groupId:artifactId:1.1"} {
		a, err := repository.ParseArtifact(coords)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, a)
	}
	return out
}

// access runs one scope: on success it counts down winners, runs chained
// inside the scope and waits for the losers; on failure it counts down
// losers and waits for the winners.
type access struct {
	shared  bool
	winners *latch
	losers  *latch
	chained *access
}

func (ac *access) run(t *testing.T, ctx context.Context, a *Adapter, session *repository.Session) {
	sc, err := a.NewInstance(ctx, session, ac.shared)
	if err != nil {
		t.Errorf("NewInstance: %v", err)
		return
	}
	defer sc.Close()

	if err := sc.Acquire(testArtifacts(t), nil); err != nil {
		if !errors.Is(err, ErrLockTimeout) && !errors.Is(err, locks.ErrLockUpgradeUnsupported) {
			t.Errorf("unexpected acquire error: %v", err)
		}
		ac.losers.countDown()
		ac.winners.await(t)
		return
	}
	ac.winners.countDown()
	if ac.chained != nil {
		ac.chained.run(t, sc.Context(), a, session)
	}
	ac.losers.await(t)
}

func runConcurrently(t *testing.T, a *Adapter, session *repository.Session, accesses ...*access) {
	var wg sync.WaitGroup
	for _, ac := range accesses {
		wg.Add(1)
		go func(ac *access) {
			defer wg.Done()
			ac.run(t, context.Background(), a, session)
		}(ac)
	}
	wg.Wait()
}

func TestSyncContext_JustCreateAndClose(t *testing.T) {
	forEachAdapter(t, func(t *testing.T, a *Adapter, session *repository.Session) {
		sc, err := a.NewInstance(context.Background(), session, false)
		if err != nil {
			t.Fatalf("NewInstance: %v", err)
		}
		if err := sc.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
}

func TestSyncContext_JustAcquire(t *testing.T) {
	forEachAdapter(t, func(t *testing.T, a *Adapter, session *repository.Session) {
		sc, err := a.NewInstance(context.Background(), session, false)
		if err != nil {
			t.Fatalf("NewInstance: %v", err)
		}
		if err := sc.Acquire(testArtifacts(t), nil); err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		if len(sc.Held()) != 2 {
			t.Errorf("expected 2 held locks, got %v", sc.Held())
		}
		if err := sc.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
		if n := len(a.Snapshot()); n != 0 {
			t.Errorf("expected empty lock table after close, got %d entries", n)
		}
	})
}

func TestSyncContext_SharedAccess(t *testing.T) {
	forEachAdapter(t, func(t *testing.T, a *Adapter, session *repository.Session) {
		winners, losers := newLatch(2), newLatch(0)
		runConcurrently(t, a, session,
			&access{shared: true, winners: winners, losers: losers},
			&access{shared: true, winners: winners, losers: losers})
	})
}

func TestSyncContext_ExclusiveAccess(t *testing.T) {
	forEachAdapter(t, func(t *testing.T, a *Adapter, session *repository.Session) {
		winners, losers := newLatch(1), newLatch(1)
		runConcurrently(t, a, session,
			&access{shared: false, winners: winners, losers: losers},
			&access{shared: false, winners: winners, losers: losers})
	})
}

func TestSyncContext_MixedAccess(t *testing.T) {
	forEachAdapter(t, func(t *testing.T, a *Adapter, session *repository.Session) {
		winners, losers := newLatch(1), newLatch(1)
		runConcurrently(t, a, session,
			&access{shared: true, winners: winners, losers: losers},
			&access{shared: false, winners: winners, losers: losers})
	})
}

func TestSyncContext_Nested(t *testing.T) {
	tests := []struct {
		name           string
		outer, inner   bool // shared
		winners, loser int64
	}{
		{"shared in shared", true, true, 2, 0},
		{"shared in exclusive", false, true, 2, 0},
		{"exclusive in exclusive", false, false, 2, 0},
		{"exclusive in shared", true, false, 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			forEachAdapter(t, func(t *testing.T, a *Adapter, session *repository.Session) {
				winners, losers := newLatch(tt.winners), newLatch(tt.loser)
				inner := &access{shared: tt.inner, winners: winners, losers: losers}
				outer := &access{shared: tt.outer, winners: winners, losers: losers, chained: inner}
				runConcurrently(t, a, session, outer)
				if n := len(a.Snapshot()); n != 0 {
					t.Errorf("expected empty lock table, got %d entries", n)
				}
			})
		})
	}
}

func TestSyncContext_EmptyAcquire(t *testing.T) {
	a := NewAdapter("test", locks.NewLocalReadWriteLockFactory(), namemapper.NewGAV(), adapterTimeout, nil)
	defer a.Shutdown()
	session := repository.NewSession(repository.NewLocalRepository(t.TempDir()))

	sc, err := a.NewInstance(context.Background(), session, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := sc.Acquire(nil, nil); err != nil {
		t.Fatalf("empty acquire failed: %v", err)
	}
	if len(sc.Held()) != 0 || len(a.Snapshot()) != 0 {
		t.Errorf("empty acquire took locks: held=%v table=%v", sc.Held(), a.Snapshot())
	}
	if err := sc.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := sc.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := sc.Acquire(testArtifacts(t), nil); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after close, got %v", err)
	}
}

func TestSyncContext_FailureKeepsEarlierLocks(t *testing.T) {
	factory := locks.NewLocalReadWriteLockFactory()
	a := NewAdapter("test", factory, namemapper.NewGAV(), adapterTimeout, nil)
	defer a.Shutdown()
	session := repository.NewSession(repository.NewLocalRepository(t.TempDir()))

	b, _ := repository.ParseArtifact("g:b:1")
	c, _ := repository.ParseArtifact("g:c:1")

	holder, _ := a.NewInstance(context.Background(), session, false)
	if err := holder.Acquire([]repository.Artifact{c}, nil); err != nil {
		t.Fatal(err)
	}

	sc, _ := a.NewInstance(context.Background(), session, false)
	start := time.Now()
	err := sc.Acquire([]repository.Artifact{c, b}, nil)
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < adapterTimeout {
		t.Errorf("gave up before the timeout: %v", elapsed)
	}
	if held := sc.Held(); !reflect.DeepEqual(held, []string{"artifact:g:b:1"}) {
		t.Errorf("expected only the earlier lock tracked, got %v", held)
	}
	if err := sc.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}

	infos := a.Snapshot()
	if len(infos) != 1 || infos[0].Name != "artifact:g:c:1" || infos[0].Refs != 1 {
		t.Errorf("expected only the holder's lock interned, got %+v", infos)
	}
	holder.Close()
	if factory.Len() != 0 {
		t.Errorf("expected empty table, got %d", factory.Len())
	}
}

// Two scopes needing overlapping keys in opposite input order must not
// deadlock: both lock in sorted order.
func TestSyncContext_SortedOrderAvoidsDeadlock(t *testing.T) {
	a := NewAdapter("test", locks.NewLocalReadWriteLockFactory(), namemapper.NewGAV(), 2*time.Second, nil)
	defer a.Shutdown()
	session := repository.NewSession(repository.NewLocalRepository(t.TempDir()))

	x, _ := repository.ParseArtifact("g:x:1")
	y, _ := repository.ParseArtifact("g:y:1")
	orders := [][]repository.Artifact{{x, y}, {y, x}}

	var wg sync.WaitGroup
	var inside atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(order []repository.Artifact) {
			defer wg.Done()
			sc, _ := a.NewInstance(context.Background(), session, false)
			defer sc.Close()
			if err := sc.Acquire(order, nil); err != nil {
				t.Errorf("acquire failed: %v", err)
				return
			}
			if inside.Add(1) != 1 {
				t.Error("two exclusive scopes inside the critical section")
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}(orders[i%2])
	}
	wg.Wait()
}

func TestSyncContext_CloseReleasesInReverseOrder(t *testing.T) {
	var released []string
	factory := &recordingFactory{inner: locks.NewLocalReadWriteLockFactory(), released: &released}
	a := NewAdapter("test", factory, namemapper.NewGAV(), adapterTimeout, nil)
	defer a.Shutdown()
	session := repository.NewSession(repository.NewLocalRepository(t.TempDir()))

	sc, _ := a.NewInstance(context.Background(), session, true)
	if err := sc.Acquire(testArtifacts(t), []repository.Metadata{{GroupID: "groupId"}}); err != nil {
		t.Fatal(err)
	}
	acquired := sc.Held()
	if err := sc.Close(); err != nil {
		t.Fatal(err)
	}
	for i, name := range released {
		if name != acquired[len(acquired)-1-i] {
			t.Fatalf("expected reverse of %v, got %v", acquired, released)
		}
	}
}

func TestSyncContext_CloseAttemptsEveryRelease(t *testing.T) {
	var released []string
	factory := &recordingFactory{
		inner:    locks.NewLocalReadWriteLockFactory(),
		released: &released,
		failOn:   "artifact:groupId:artifactId:1.1",
	}
	a := NewAdapter("test", factory, namemapper.NewGAV(), adapterTimeout, nil)
	defer a.Shutdown()
	session := repository.NewSession(repository.NewLocalRepository(t.TempDir()))

	sc, _ := a.NewInstance(context.Background(), session, false)
	if err := sc.Acquire(testArtifacts(t), nil); err != nil {
		t.Fatal(err)
	}
	err := sc.Close()
	if err == nil {
		t.Fatal("expected aggregated release error")
	}
	if len(released) != 2 {
		t.Errorf("expected both locks released, got %v", released)
	}
}

func TestSyncContext_Interrupted(t *testing.T) {
	a := NewAdapter("test", locks.NewLocalReadWriteLockFactory(), namemapper.NewGAV(), time.Minute, nil)
	defer a.Shutdown()
	session := repository.NewSession(repository.NewLocalRepository(t.TempDir()))

	holder, _ := a.NewInstance(context.Background(), session, false)
	if err := holder.Acquire(testArtifacts(t), nil); err != nil {
		t.Fatal(err)
	}
	defer holder.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	sc, _ := a.NewInstance(ctx, session, false)
	defer sc.Close()
	if err := sc.Acquire(testArtifacts(t), nil); !errors.Is(err, locks.ErrInterrupted) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected interruption, got %v", err)
	}
}

// Two local repositories on one host get different lock names for the same
// artifact.
func TestSyncContext_DiscriminatedRepositories(t *testing.T) {
	a := NewAdapter("test", locks.NewLocalReadWriteLockFactory(), namemapper.NewLGAV("", nil), adapterTimeout, nil)
	defer a.Shutdown()

	one := repository.NewSession(repository.NewLocalRepository(filepath.Join(t.TempDir(), "one")))
	two := repository.NewSession(repository.NewLocalRepository(filepath.Join(t.TempDir(), "two")))
	artifacts := testArtifacts(t)[:1]

	namesOne := a.NameLocks(one, artifacts, nil)
	namesTwo := a.NameLocks(two, artifacts, nil)
	if reflect.DeepEqual(namesOne, namesTwo) {
		t.Fatalf("expected different names, got %v for both", namesOne)
	}

	// and so exclusive scopes on them do not contend
	scOne, _ := a.NewInstance(context.Background(), one, false)
	defer scOne.Close()
	scTwo, _ := a.NewInstance(context.Background(), two, false)
	defer scTwo.Close()
	if err := scOne.Acquire(artifacts, nil); err != nil {
		t.Fatal(err)
	}
	if err := scTwo.Acquire(artifacts, nil); err != nil {
		t.Fatalf("second repository blocked by the first: %v", err)
	}
}

func TestAdapter_NilSession(t *testing.T) {
	a := NewAdapter("test", locks.NewNoopFactory(), namemapper.NewGAV(), adapterTimeout, nil)
	if _, err := a.NewInstance(context.Background(), nil, true); !errors.Is(err, ErrNilSession) {
		t.Errorf("expected ErrNilSession, got %v", err)
	}
}

// recordingFactory records releases and can fail one of them.
type recordingFactory struct {
	inner    *locks.FactorySupport
	released *[]string
	failOn   string
	mu       sync.Mutex
}

func (f *recordingFactory) GetLock(name string) locks.NamedLock {
	return &recordingLock{NamedLock: f.inner.GetLock(name), f: f}
}

func (f *recordingFactory) Shutdown() error {
	return f.inner.Shutdown()
}

type recordingLock struct {
	locks.NamedLock
	f *recordingFactory
}

func (l *recordingLock) Unlock(ctx context.Context) error {
	err := l.NamedLock.Unlock(ctx)
	l.f.mu.Lock()
	*l.f.released = append(*l.f.released, l.Name())
	l.f.mu.Unlock()
	if l.Name() == l.f.failOn {
		return errors.New("release failed")
	}
	return err
}

func TestSyncContext_SortsMapperOutput(t *testing.T) {
	unsorted := namemapper.NameMapperFunc(func(*repository.Session, []repository.Artifact, []repository.Metadata) []string {
		return []string{"c", "a", "b", "a"}
	})
	a := NewAdapter("test", locks.NewLocalReadWriteLockFactory(), unsorted, time.Second, nil)
	defer a.Shutdown()

	sc, err := a.NewInstance(context.Background(), repository.NewSession(repository.NewLocalRepository(t.TempDir())), false)
	if err != nil {
		t.Fatal(err)
	}
	defer sc.Close()
	if err := sc.Acquire(nil, nil); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	held := sc.Held()
	expected := []string{"a", "b", "c"}
	if len(held) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, held)
	}
	for i := range expected {
		if held[i] != expected[i] {
			t.Fatalf("expected %v, got %v", expected, held)
		}
	}
}
