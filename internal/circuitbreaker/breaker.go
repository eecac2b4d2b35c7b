// Package circuitbreaker gates delivery attempts behind a shared failure-ratio breaker.
//
// States:
//   - Closed: outcomes are tallied over a sample window
//   - Open: the window's failure ratio reached the threshold, callers skip attempts
//   - HalfOpen: the timeout elapsed, the next outcome closes or reopens the breaker
//
// State lives in a Store shared by every worker instance. Updates are
// read-modify-write without locking, so concurrent writers may lose updates.
package circuitbreaker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kursadbilgin/relay-engine/internal/domain"
)

const DefaultStateTTL = 24 * time.Hour

// Store persists breaker state. Load returns nil, nil when no state exists.
type Store interface {
	Load(ctx context.Context, name string) (*domain.CircuitBreakerState, error)
	Save(ctx context.Context, name string, state domain.CircuitBreakerState, ttl time.Duration) error
}

// Config holds configuration for a circuit breaker.
type Config struct {
	Name             string
	FailureThreshold float64
	SampleSize       int
	Timeout          time.Duration
	StateTTL         time.Duration
}

func DefaultConfig() Config {
	return Config{
		Name:             "delivery",
		FailureThreshold: 0.5,
		SampleSize:       20,
		Timeout:          time.Minute,
		StateTTL:         DefaultStateTTL,
	}
}

type Breaker struct {
	store  Store
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

func New(store Store, cfg Config, logger *zap.Logger) (*Breaker, error) {
	if store == nil {
		return nil, fmt.Errorf("circuit breaker store is required")
	}
	def := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.FailureThreshold <= 0 || cfg.FailureThreshold > 1 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = def.SampleSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = def.StateTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Breaker{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}, nil
}

func (b *Breaker) Name() string { return b.cfg.Name }

func (b *Breaker) Timeout() time.Duration { return b.cfg.Timeout }

// Snapshot returns the current state, flipping Open to HalfOpen once the timeout elapsed.
func (b *Breaker) Snapshot(ctx context.Context) (domain.CircuitBreakerState, error) {
	st, err := b.load(ctx)
	if err != nil {
		return domain.CircuitBreakerState{}, err
	}

	if st.State == domain.CircuitOpen && st.OpenedAt != nil && b.now().Sub(*st.OpenedAt) >= b.cfg.Timeout {
		st.State = domain.CircuitHalfOpen
		if err := b.save(ctx, st); err != nil {
			return domain.CircuitBreakerState{}, err
		}
		b.logger.Info("circuit breaker half-open", zap.String("breaker", b.cfg.Name))
	}
	return st, nil
}

func (b *Breaker) State(ctx context.Context) (domain.CircuitState, error) {
	st, err := b.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	return st.State, nil
}

func (b *Breaker) IsOpen(ctx context.Context) (bool, error) {
	state, err := b.State(ctx)
	if err != nil {
		return false, err
	}
	return state == domain.CircuitOpen, nil
}

func (b *Breaker) RecordSuccess(ctx context.Context) error {
	st, err := b.Snapshot(ctx)
	if err != nil {
		return err
	}

	switch st.State {
	case domain.CircuitHalfOpen:
		b.logger.Info("circuit breaker closed", zap.String("breaker", b.cfg.Name))
		st = closedState()
	case domain.CircuitOpen:
		// A late outcome from before the breaker opened.
		return nil
	default:
		st.SuccessCount++
		st = b.evaluateWindow(st)
	}
	return b.save(ctx, st)
}

func (b *Breaker) RecordFailure(ctx context.Context) error {
	st, err := b.Snapshot(ctx)
	if err != nil {
		return err
	}

	now := b.now()
	st.LastFailureAt = &now

	switch st.State {
	case domain.CircuitHalfOpen:
		b.logger.Warn("circuit breaker reopened", zap.String("breaker", b.cfg.Name))
		st.State = domain.CircuitOpen
		st.OpenedAt = &now
		st.FailureCount++
	case domain.CircuitOpen:
		st.FailureCount++
	default:
		st.FailureCount++
		st = b.evaluateWindow(st)
	}
	return b.save(ctx, st)
}

func (b *Breaker) Reset(ctx context.Context) error {
	return b.save(ctx, closedState())
}

// evaluateWindow opens the breaker or starts a new window once the sample is full.
func (b *Breaker) evaluateWindow(st domain.CircuitBreakerState) domain.CircuitBreakerState {
	total := st.FailureCount + st.SuccessCount
	if total < b.cfg.SampleSize {
		return st
	}

	ratio := float64(st.FailureCount) / float64(total)
	if ratio >= b.cfg.FailureThreshold {
		now := b.now()
		st.State = domain.CircuitOpen
		st.OpenedAt = &now
		b.logger.Warn("circuit breaker opened",
			zap.String("breaker", b.cfg.Name),
			zap.Int("failures", st.FailureCount),
			zap.Int("samples", total),
			zap.Float64("failureRatio", ratio),
		)
		return st
	}

	st.FailureCount = 0
	st.SuccessCount = 0
	return st
}

func (b *Breaker) load(ctx context.Context) (domain.CircuitBreakerState, error) {
	st, err := b.store.Load(ctx, b.cfg.Name)
	if err != nil {
		return domain.CircuitBreakerState{}, fmt.Errorf("failed to load circuit breaker %s: %w", b.cfg.Name, err)
	}
	if st == nil {
		return closedState(), nil
	}
	if st.State == "" {
		st.State = domain.CircuitClosed
	}
	return *st, nil
}

func (b *Breaker) save(ctx context.Context, st domain.CircuitBreakerState) error {
	if err := b.store.Save(ctx, b.cfg.Name, st, b.cfg.StateTTL); err != nil {
		return fmt.Errorf("failed to save circuit breaker %s: %w", b.cfg.Name, err)
	}
	return nil
}

func closedState() domain.CircuitBreakerState {
	return domain.CircuitBreakerState{State: domain.CircuitClosed}
}
