// Package ratelimit provides a pluggable rate limiting interface for the
// collector's ingest path.
//
// The built-in implementation is an in-memory token bucket (MemoryLimiter);
// the Limiter interface is the contract for substituting a shared backend
// when running multiple collector instances.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. The key is opaque;
	// callers construct it (e.g. the client IP). Errors signal a limiter
	// malfunction and are treated as fail-open by callers.
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
