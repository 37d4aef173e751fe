package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	logx "harvester/pkg/logx"
)

func TestLocalSingleFlight(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := NewLocal()
	release, err := l.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := l.TryAcquire(ctx); !errors.Is(err, ErrHeld) {
		t.Fatalf("want ErrHeld, got %v", err)
	}
	_ = release(ctx)
	_ = release(ctx)
	release2, err := l.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	_ = release2(ctx)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := l.TryAcquire(cctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisAcquireRelease(t *testing.T) {
	t.Parallel()

	mr, client := newRedis(t)
	ctx := context.Background()
	a := NewRedis(client, "test:pass", time.Minute, logx.Nop())
	b := NewRedis(client, "test:pass", time.Minute, logx.Nop())

	release, err := a.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !mr.Exists("test:pass") {
		t.Fatalf("key not set")
	}
	if ttl := mr.TTL("test:pass"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("ttl=%v", ttl)
	}
	if _, err := b.TryAcquire(ctx); !errors.Is(err, ErrHeld) {
		t.Fatalf("want ErrHeld, got %v", err)
	}
	if err := release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if mr.Exists("test:pass") {
		t.Fatalf("key should be deleted")
	}
	releaseB, err := b.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	_ = releaseB(ctx)
}

func TestRedisReleaseDoesNotStealForeignLock(t *testing.T) {
	t.Parallel()

	mr, client := newRedis(t)
	ctx := context.Background()
	l := NewRedis(client, "", time.Minute, logx.Nop())

	release, err := l.TryAcquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// Simulate expiry followed by another process taking the lock.
	mr.FastForward(2 * time.Minute)
	if err := mr.Set(DefaultKey, "someone-else"); err != nil {
		t.Fatal(err)
	}
	if err := release(ctx); err == nil {
		t.Fatalf("release of an expired lock should report it")
	}
	if got, _ := mr.Get(DefaultKey); got != "someone-else" {
		t.Fatalf("foreign lock was deleted: %q", got)
	}
}

func TestRedisUnavailable(t *testing.T) {
	t.Parallel()

	mr, client := newRedis(t)
	mr.Close()
	l := NewRedis(client, "k", time.Second, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := l.TryAcquire(ctx); err == nil || errors.Is(err, ErrHeld) {
		t.Fatalf("want connection error, got %v", err)
	}
}
