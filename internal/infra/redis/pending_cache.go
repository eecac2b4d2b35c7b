package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	pendingKeyPrefix  = "pending:"
	defaultPendingTTL = 72 * time.Hour
)

// PendingCache holds serialized payloads for recipients without a live connection.
// Every append refreshes the list TTL.
type PendingCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func NewPendingCache(client *goredis.Client, ttl time.Duration) (*PendingCache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		ttl = defaultPendingTTL
	}
	return &PendingCache{client: client, ttl: ttl}, nil
}

func (c *PendingCache) Append(ctx context.Context, recipient string, payload []byte) error {
	key, err := pendingKey(recipient)
	if err != nil {
		return err
	}

	_, err = c.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.RPush(ctx, key, payload)
		pipe.Expire(ctx, key, c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append pending payload: %w", err)
	}
	return nil
}

func (c *PendingCache) Get(ctx context.Context, recipient string) ([][]byte, error) {
	key, err := pendingKey(recipient)
	if err != nil {
		return nil, err
	}

	values, err := c.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read pending payloads: %w", err)
	}
	return toPayloads(values), nil
}

// Drain returns and removes every pending payload for recipient in one transaction.
func (c *PendingCache) Drain(ctx context.Context, recipient string) ([][]byte, error) {
	key, err := pendingKey(recipient)
	if err != nil {
		return nil, err
	}

	var read *goredis.StringSliceCmd
	_, err = c.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		read = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to drain pending payloads: %w", err)
	}
	return toPayloads(read.Val()), nil
}

func (c *PendingCache) Len(ctx context.Context, recipient string) (int64, error) {
	key, err := pendingKey(recipient)
	if err != nil {
		return 0, err
	}
	n, err := c.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count pending payloads: %w", err)
	}
	return n, nil
}

func pendingKey(recipient string) (string, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return "", fmt.Errorf("recipient is required")
	}
	return pendingKeyPrefix + recipient, nil
}

func toPayloads(values []string) [][]byte {
	out := make([][]byte, 0, len(values))
	for _, v := range values {
		out = append(out, []byte(v))
	}
	return out
}
