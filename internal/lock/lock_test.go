package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/maxcherey/insight-etl/internal/config"
)

func testRedis(t *testing.T) config.RedisConfig {
	t.Helper()
	server := miniredis.RunT(t)
	return config.RedisConfig{
		Address: server.Addr(),
		LockTTL: time.Minute,
	}
}

func TestAcquireAndRelease(t *testing.T) {
	cfg := testRedis(t)
	ctx := context.Background()

	l, err := New(ctx, cfg, "insight_bitbucket_server")
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer l.Close()

	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("failed to acquire: %v", err)
	}
	if err := l.Release(ctx); err != nil {
		t.Fatalf("failed to release: %v", err)
	}

	// Releasing frees the lease for the next run.
	if err := l.Acquire(ctx); err != nil {
		t.Errorf("expected re-acquire after release, got %v", err)
	}
}

func TestAcquireContention(t *testing.T) {
	cfg := testRedis(t)
	ctx := context.Background()

	first, err := New(ctx, cfg, "insight_github")
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer first.Close()
	if err := first.Acquire(ctx); err != nil {
		t.Fatalf("failed to acquire: %v", err)
	}

	second, err := New(ctx, cfg, "insight_github")
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer second.Close()
	if err := second.Acquire(ctx); err == nil {
		t.Errorf("expected contention error for the same data source")
	}

	// A different data source is unaffected.
	other, err := New(ctx, cfg, "insight_bitbucket_server")
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer other.Close()
	if err := other.Acquire(ctx); err != nil {
		t.Errorf("different data sources must not contend: %v", err)
	}
}

func TestReleaseIgnoresForeignLock(t *testing.T) {
	cfg := testRedis(t)
	ctx := context.Background()

	holder, err := New(ctx, cfg, "insight_github")
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer holder.Close()
	if err := holder.Acquire(ctx); err != nil {
		t.Fatalf("failed to acquire: %v", err)
	}

	// A second process releasing without holding must not free the
	// holder's lease.
	stranger, err := New(ctx, cfg, "insight_github")
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer stranger.Close()
	if err := stranger.Release(ctx); err != nil {
		t.Fatalf("release of a foreign lock must be a no-op: %v", err)
	}
	if err := stranger.Acquire(ctx); err == nil {
		t.Errorf("the original lease must still be held")
	}
}
