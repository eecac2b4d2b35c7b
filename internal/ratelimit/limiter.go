package ratelimit

import "context"

// Limiter caps how many requests a subject may make per window.
type Limiter interface {
	Allow(ctx context.Context, subject string) (bool, error)
}
