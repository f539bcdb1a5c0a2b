package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestExecutionLockName(t *testing.T) {
	got := ExecutionLockName("BTCUSDT", "LONG")
	if got != "order_execution_BTCUSDT_LONG" {
		t.Errorf("ExecutionLockName = %q", got)
	}
}

func TestMemoryStoreTryAcquireIsExclusive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	ok, err := store.TryAcquire(ctx, Lock{Name: "l", HolderID: "a", AcquiredAt: now, ExpiresAt: now.Add(time.Minute)})
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, err = store.TryAcquire(ctx, Lock{Name: "l", HolderID: "b", AcquiredAt: now, ExpiresAt: now.Add(time.Minute)})
	if err != nil {
		t.Fatalf("second acquire err: %v", err)
	}
	if ok {
		t.Error("second holder should not acquire a held lock")
	}
}

func TestMemoryStoreExpiredLockCanBeTaken(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	if ok, _ := store.TryAcquire(ctx, Lock{Name: "l", HolderID: "a", AcquiredAt: now.Add(-2 * time.Minute), ExpiresAt: now.Add(-time.Minute)}); !ok {
		t.Fatal("initial acquire failed")
	}
	ok, err := store.TryAcquire(ctx, Lock{Name: "l", HolderID: "b", AcquiredAt: now, ExpiresAt: now.Add(time.Minute)})
	if err != nil || !ok {
		t.Errorf("expired lock should be acquirable: ok=%v err=%v", ok, err)
	}
}

func TestMemoryStoreReleaseChecksHolder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	if ok, _ := store.TryAcquire(ctx, Lock{Name: "l", HolderID: "a", AcquiredAt: now, ExpiresAt: now.Add(time.Minute)}); !ok {
		t.Fatal("acquire failed")
	}
	if err := store.Release(ctx, "l", "b"); !errors.Is(err, ErrNotHolder) {
		t.Errorf("release by non-holder = %v, want ErrNotHolder", err)
	}
	if err := store.Release(ctx, "l", "a"); err != nil {
		t.Errorf("release by holder = %v", err)
	}
	if store.Held("l") {
		t.Error("lock should be gone after release")
	}
}

func TestMemoryStoreRenew(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	if ok, _ := store.TryAcquire(ctx, Lock{Name: "l", HolderID: "a", AcquiredAt: now, ExpiresAt: now.Add(time.Second)}); !ok {
		t.Fatal("acquire failed")
	}
	ok, err := store.Renew(ctx, "l", "a", now.Add(time.Hour))
	if err != nil || !ok {
		t.Fatalf("renew by holder: ok=%v err=%v", ok, err)
	}
	ok, err = store.Renew(ctx, "l", "b", now.Add(time.Hour))
	if err != nil {
		t.Fatalf("renew err: %v", err)
	}
	if ok {
		t.Error("renew by non-holder should fail")
	}
}

func TestMemoryStoreDeleteExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	store.TryAcquire(ctx, Lock{Name: "old", HolderID: "a", AcquiredAt: now.Add(-2 * time.Minute), ExpiresAt: now.Add(-time.Minute)})
	store.TryAcquire(ctx, Lock{Name: "live", HolderID: "a", AcquiredAt: now, ExpiresAt: now.Add(time.Minute)})

	removed, err := store.DeleteExpired(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if !store.Held("live") {
		t.Error("live lock should survive the sweep")
	}
}

func TestServiceAcquireTimesOutOnContention(t *testing.T) {
	store := NewMemoryStore()
	s1 := NewService(store, time.Minute, zerolog.Nop())
	s2 := NewService(store, time.Minute, zerolog.Nop())
	ctx := context.Background()

	if err := s1.Acquire(ctx, "order_execution_BTCUSDT_LONG", time.Second); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := s2.Acquire(ctx, "order_execution_BTCUSDT_LONG", 0); !errors.Is(err, ErrAcquireTimeout) {
		t.Errorf("contended acquire = %v, want ErrAcquireTimeout", err)
	}

	// A different key is not contended.
	if err := s2.Acquire(ctx, "order_execution_BTCUSDT_SHORT", 0); err != nil {
		t.Errorf("independent key acquire = %v", err)
	}

	if err := s1.Release(ctx, "order_execution_BTCUSDT_LONG"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := s2.Acquire(ctx, "order_execution_BTCUSDT_LONG", time.Second); err != nil {
		t.Errorf("acquire after release = %v", err)
	}
}

func TestServiceAcquireWaitsForRelease(t *testing.T) {
	store := NewMemoryStore()
	s1 := NewService(store, time.Minute, zerolog.Nop())
	s2 := NewService(store, time.Minute, zerolog.Nop())
	ctx := context.Background()

	if err := s1.Acquire(ctx, "l", time.Second); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = s1.Release(ctx, "l")
	}()
	if err := s2.Acquire(ctx, "l", 2*time.Second); err != nil {
		t.Errorf("waiting acquire = %v", err)
	}
}

func TestLeaderElectionSingleHolder(t *testing.T) {
	store := NewMemoryStore()
	s1 := NewService(store, time.Minute, zerolog.Nop())
	s2 := NewService(store, time.Minute, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch1 := s1.RunLeaderElection(ctx, 300*time.Millisecond)
	if leader := <-ch1; !leader {
		t.Fatal("first instance should become leader")
	}

	ch2 := s2.RunLeaderElection(ctx, 300*time.Millisecond)
	select {
	case got := <-ch2:
		t.Errorf("second instance reported leadership change %v while lock held", got)
	case <-time.After(500 * time.Millisecond):
	}
}
