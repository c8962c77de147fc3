package etcd

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ebogdum/artilock/locks"
)

func newTestFactory(t *testing.T, prefix string) *locks.FactorySupport {
	t.Helper()
	endpoints := os.Getenv("ARTILOCK_TEST_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("ARTILOCK_TEST_ETCD_ENDPOINTS not set")
	}
	f, err := NewFactory(Config{
		Endpoints:  strings.Split(endpoints, ","),
		SessionTTL: 5,
		Prefix:     prefix,
	}, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { f.Shutdown() })
	return f
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.Prefix != DefaultPrefix || cfg.DialTimeout != DefaultDialTimeout || cfg.SessionTTL != DefaultSessionTTL {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestEtcd_ExclusiveAcrossSessions(t *testing.T) {
	prefix := "/artilock/test/" + uuid.NewString()
	a := newTestFactory(t, prefix)
	b := newTestFactory(t, prefix)

	ctxA := locks.WithOwner(context.Background())
	ctxB := locks.WithOwner(context.Background())
	la := a.GetLock("artifact:g:a:1.0")
	defer la.Close()
	lb := b.GetLock("artifact:g:a:1.0")
	defer lb.Close()

	if ok, err := la.LockExclusively(ctxA, 2*time.Second); !ok || err != nil {
		t.Fatalf("exclusive lock failed: ok=%v err=%v", ok, err)
	}
	if ok, err := lb.LockExclusively(ctxB, 100*time.Millisecond); ok || err != nil {
		t.Fatalf("expected timeout, got ok=%v err=%v", ok, err)
	}
	if ok, err := lb.LockShared(ctxB, 0); ok || err != nil {
		t.Fatalf("expected immediate refusal, got ok=%v err=%v", ok, err)
	}
	if err := la.Unlock(ctxA); err != nil {
		t.Fatalf("unlock failed: %v", err)
	}
	if ok, err := lb.LockExclusively(ctxB, 2*time.Second); !ok || err != nil {
		t.Fatalf("exclusive lock after release failed: ok=%v err=%v", ok, err)
	}
	if err := lb.Unlock(ctxB); err != nil {
		t.Fatalf("unlock failed: %v", err)
	}
}

func TestEtcd_InProcessSharedHolders(t *testing.T) {
	f := newTestFactory(t, "/artilock/test/"+uuid.NewString())

	ctxA := locks.WithOwner(context.Background())
	ctxB := locks.WithOwner(context.Background())
	l := f.GetLock("metadata:g")
	defer l.Close()

	for _, ctx := range []context.Context{ctxA, ctxB} {
		if ok, err := l.LockShared(ctx, 2*time.Second); !ok || err != nil {
			t.Fatalf("shared lock failed: ok=%v err=%v", ok, err)
		}
	}
	for _, ctx := range []context.Context{ctxA, ctxB} {
		if err := l.Unlock(ctx); err != nil {
			t.Fatalf("unlock failed: %v", err)
		}
	}
}
