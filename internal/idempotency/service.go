// Package idempotency guards delivery side effects against redelivered broadcasts.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/relay-engine/internal/domain"
)

const (
	keyPrefix = "msg:"

	DefaultTTL = 24 * time.Hour
)

// Store is a TTL-bounded shared cache of processed keys.
type Store interface {
	// SetIfAbsent stores the record and reports whether it was newly created.
	SetIfAbsent(ctx context.Context, key string, processedAt time.Time, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

type Service struct {
	store      Store
	defaultTTL time.Duration
	now        func() time.Time
}

func NewService(store Store, defaultTTL time.Duration) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("idempotency store is required")
	}
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Service{store: store, defaultTTL: defaultTTL, now: time.Now}, nil
}

// GenerateKey derives a stable key from a message id.
func GenerateKey(messageID string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(messageID)))
	return keyPrefix + hex.EncodeToString(sum[:16])
}

func (s *Service) TTL() time.Duration { return s.defaultTTL }

func (s *Service) IsProcessed(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("%w: idempotency key is required", domain.ErrValidation)
	}
	ok, err := s.store.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	return ok, nil
}

// MarkProcessed records key as handled. A ttl <= 0 uses the configured default.
// It returns false when the key was already marked.
func (s *Service) MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("%w: idempotency key is required", domain.ErrValidation)
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	created, err := s.store.SetIfAbsent(ctx, key, s.now().UTC(), ttl)
	if err != nil {
		return false, fmt.Errorf("failed to mark idempotency key: %w", err)
	}
	return created, nil
}

func (s *Service) Record(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	rec, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency key: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: idempotency key %s", domain.ErrNotFound, key)
	}
	return rec, nil
}

// Release forgets key so the message can be delivered again.
func (s *Service) Release(ctx context.Context, key string) error {
	if err := s.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}
