package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/kirana-mart/api/internal/services"
)

var (
	_ services.Locker = (*RedisLocker)(nil)
	_ services.Locker = (*MemoryLocker)(nil)
)

func newTestRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker, err := NewRedisLocker(client)
	if err != nil {
		t.Fatalf("NewRedisLocker: %v", err)
	}
	return locker, mr
}

func TestRedisLockerIsExclusive(t *testing.T) {
	locker, mr := newTestRedisLocker(t)
	ctx := context.Background()

	release, ok, err := locker.TryLock(ctx, "locks:test", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first acquire, got ok=%v err=%v", ok, err)
	}
	if ttl := mr.TTL("locks:test"); ttl != time.Minute {
		t.Fatalf("expected lease ttl, got %s", ttl)
	}
	if _, ok, err := locker.TryLock(ctx, "locks:test", time.Minute); err != nil || ok {
		t.Fatalf("expected second acquire to fail, got ok=%v err=%v", ok, err)
	}
	if err := release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if mr.Exists("locks:test") {
		t.Fatalf("expected key deleted on release")
	}
	if _, ok, _ := locker.TryLock(ctx, "locks:test", time.Minute); !ok {
		t.Fatalf("expected acquire after release")
	}
}

func TestRedisLockerReleaseKeepsForeignLease(t *testing.T) {
	locker, mr := newTestRedisLocker(t)
	ctx := context.Background()

	release, ok, err := locker.TryLock(ctx, "locks:test", time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	mr.FastForward(2 * time.Second)
	if _, ok, err := locker.TryLock(ctx, "locks:test", time.Minute); err != nil || !ok {
		t.Fatalf("expected expired lease to be re-acquired, ok=%v err=%v", ok, err)
	}
	if err := release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if !mr.Exists("locks:test") {
		t.Fatalf("stale release removed the new holder's lease")
	}
}

func TestRedisLockerPing(t *testing.T) {
	locker, mr := newTestRedisLocker(t)
	if err := locker.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	mr.Close()
	if err := locker.Ping(context.Background()); err == nil {
		t.Fatalf("expected ping to fail once the server is gone")
	}
}

func TestMemoryLockerLeaseExpires(t *testing.T) {
	locker := NewMemoryLocker()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	locker.now = func() time.Time { return now }
	ctx := context.Background()

	release, ok, _ := locker.TryLock(ctx, "k", time.Minute)
	if !ok {
		t.Fatalf("expected acquire")
	}
	if _, ok, _ := locker.TryLock(ctx, "k", time.Minute); ok {
		t.Fatalf("expected lease to be held")
	}
	now = now.Add(2 * time.Minute)
	if _, ok, _ := locker.TryLock(ctx, "k", time.Minute); !ok {
		t.Fatalf("expected expired lease to be re-acquired")
	}
	_ = release(ctx)
	if _, ok, _ := locker.TryLock(ctx, "k", time.Minute); ok {
		t.Fatalf("stale release must not drop the current lease")
	}
}
