package ratelimit

import "context"

// RateLimiter paces calls sharing the same key across engine instances.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Wait(ctx context.Context, key string) error
}
