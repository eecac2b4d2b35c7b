package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"github.com/kursadbilgin/relay-engine/internal/queue"
)

func TestNewConsumerServiceValidation(t *testing.T) {
	t.Parallel()

	handler := func(ctx context.Context, b queue.Broadcast) error { return nil }

	if _, err := NewConsumerService(nil, handler, 1, nil); err == nil {
		t.Fatal("expected error for nil consumer")
	}
	if _, err := NewConsumerService(&fakeConsumer{}, nil, 1, nil); err == nil {
		t.Fatal("expected error for nil handler")
	}

	svc, err := NewConsumerService(&fakeConsumer{}, handler, 0, nil)
	if err != nil {
		t.Fatalf("NewConsumerService() error = %v", err)
	}
	if svc.concurrency != minConsumerConcurrency {
		t.Fatalf("concurrency = %d, want %d", svc.concurrency, minConsumerConcurrency)
	}
}

func TestConsumerServiceRunsWorkers(t *testing.T) {
	t.Parallel()

	var started atomic.Int32
	consumer := &fakeConsumer{consumeFn: func(ctx context.Context, handler queue.BroadcastHandler) error {
		started.Add(1)
		<-ctx.Done()
		return nil
	}}

	svc, err := NewConsumerService(consumer, func(ctx context.Context, b queue.Broadcast) error { return nil }, 3, zap.NewNop())
	if err != nil {
		t.Fatalf("NewConsumerService() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	for started.Load() < 3 {
		select {
		case err := <-done:
			t.Fatalf("Start() returned early: %v", err)
		default:
		}
	}
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

func TestConsumerServiceStopsAllWorkersOnError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	consumer := &fakeConsumer{consumeFn: func(ctx context.Context, handler queue.BroadcastHandler) error {
		if calls.Add(1) == 1 {
			return errors.New("channel closed")
		}
		<-ctx.Done()
		return nil
	}}

	svc, err := NewConsumerService(consumer, func(ctx context.Context, b queue.Broadcast) error { return nil }, 2, zap.NewNop())
	if err != nil {
		t.Fatalf("NewConsumerService() error = %v", err)
	}

	if err := svc.Start(context.Background()); err == nil {
		t.Fatal("expected worker error")
	}
}
