package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func TestIngestLimiterAllow(t *testing.T) {
	t.Parallel()

	rdb := newTestRedisClient(t)

	now := time.Unix(1_700_000_000, 0)
	limiter, err := newIngestLimiter(rdb, 2, func() time.Time { return now })
	if err != nil {
		t.Fatalf("newIngestLimiter() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		allowed, err := limiter.Allow(context.Background(), "tenant-a")
		if err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
		if !allowed {
			t.Fatalf("call %d should be allowed", i+1)
		}
	}

	allowed, err := limiter.Allow(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if allowed {
		t.Fatal("third call should be rejected by rate limit")
	}

	now = now.Add(time.Second)
	allowed, err = limiter.Allow(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if !allowed {
		t.Fatal("new second window should allow call")
	}
}

func TestIngestLimiterIsPerSender(t *testing.T) {
	t.Parallel()

	rdb := newTestRedisClient(t)

	now := time.Unix(1_700_000_100, 0)
	limiter, err := newIngestLimiter(rdb, 1, func() time.Time { return now })
	if err != nil {
		t.Fatalf("newIngestLimiter() error = %v", err)
	}

	if allowed, _ := limiter.Allow(context.Background(), "tenant-a"); !allowed {
		t.Fatal("tenant-a should be allowed on first request")
	}
	if allowed, _ := limiter.Allow(context.Background(), " TENANT-B "); !allowed {
		t.Fatal("tenant-b should be allowed on first request")
	}
	if allowed, _ := limiter.Allow(context.Background(), "Tenant-A"); allowed {
		t.Fatal("tenant-a second request should be rejected")
	}
}

func TestIngestLimiterRequiresSender(t *testing.T) {
	t.Parallel()

	limiter, err := newIngestLimiter(newTestRedisClient(t), 1, nil)
	if err != nil {
		t.Fatalf("newIngestLimiter() error = %v", err)
	}
	if _, err := limiter.Allow(context.Background(), "  "); err == nil {
		t.Fatal("Allow() error = nil, want error for empty sender")
	}
}

func newTestRedisClient(t *testing.T) *goredis.Client {
	t.Helper()

	mr := newTestMiniredis(t)

	rdb := goredis.NewClient(&goredis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() {
		_ = rdb.Close()
	})

	return rdb
}

func newTestMiniredis(t *testing.T) *miniredis.Miniredis {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)
	return mr
}
