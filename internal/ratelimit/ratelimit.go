// Package ratelimit provides a pluggable rate limiting interface for the
// chat-router endpoint.
//
// The default implementation is an in-memory token bucket (MemoryLimiter).
// Multi-instance deployments can substitute a shared-store implementation;
// the Limiter interface is the contract.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed.
	// The key is opaque to the limiter; callers construct it
	// (e.g. "tenant:<uuid>:user:<id>").
	// An error signals a limiter malfunction. Callers treat errors as
	// fail-open (permit the request) rather than blocking traffic.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }

// PerMinute returns a limiter enforcing n requests per minute per key,
// with a burst of n. n <= 0 disables limiting.
func PerMinute(n int) Limiter {
	if n <= 0 {
		return NoopLimiter{}
	}
	return NewMemoryLimiter(float64(n)/60.0, n)
}
