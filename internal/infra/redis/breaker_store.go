package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kursadbilgin/relay-engine/internal/circuitbreaker"
	"github.com/kursadbilgin/relay-engine/internal/domain"
)

const breakerKeyPrefix = "circuit:"

var _ circuitbreaker.Store = (*BreakerStore)(nil)

// BreakerStore keeps circuit breaker state as JSON with an absolute TTL.
type BreakerStore struct {
	client *goredis.Client
}

func NewBreakerStore(client *goredis.Client) (*BreakerStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &BreakerStore{client: client}, nil
}

func (s *BreakerStore) Load(ctx context.Context, name string) (*domain.CircuitBreakerState, error) {
	raw, err := s.client.Get(ctx, breakerKeyPrefix+name).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get circuit state: %w", err)
	}

	var st domain.CircuitBreakerState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("failed to decode circuit state: %w", err)
	}
	return &st, nil
}

func (s *BreakerStore) Save(ctx context.Context, name string, st domain.CircuitBreakerState, ttl time.Duration) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode circuit state: %w", err)
	}
	if err := s.client.Set(ctx, breakerKeyPrefix+name, raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set circuit state: %w", err)
	}
	return nil
}
