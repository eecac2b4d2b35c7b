package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kursadbilgin/relay-engine/internal/ratelimit"
)

const (
	defaultIngestLimitPerSec int64 = 200
	ingestWindowSeconds            = 1
)

var allowScript = goredis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
  return 0
end
return 1
`)

var _ ratelimit.Limiter = (*IngestLimiter)(nil)

// IngestLimiter is a fixed one-second window per sender, shared across API instances.
type IngestLimiter struct {
	client      *goredis.Client
	limitPerSec int64
	now         func() time.Time
}

func NewIngestLimiter(client *goredis.Client, limitPerSec int) (*IngestLimiter, error) {
	return newIngestLimiter(client, int64(limitPerSec), time.Now)
}

func newIngestLimiter(client *goredis.Client, limitPerSec int64, nowFn func() time.Time) (*IngestLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limitPerSec <= 0 {
		limitPerSec = defaultIngestLimitPerSec
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &IngestLimiter{client: client, limitPerSec: limitPerSec, now: nowFn}, nil
}

func (l *IngestLimiter) Allow(ctx context.Context, sender string) (bool, error) {
	subject := strings.ToLower(strings.TrimSpace(sender))
	if subject == "" {
		return false, fmt.Errorf("sender is required")
	}

	key := fmt.Sprintf("ratelimit:ingest:%s:%d", subject, l.now().UTC().Unix())
	result, err := allowScript.Run(ctx, l.client, []string{key}, l.limitPerSec, ingestWindowSeconds).Int()
	if err != nil {
		return false, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}
	return result == 1, nil
}
