// Package ratelimit bounds how fast clients can hit the LLM-backed
// submission endpoints. The Limiter interface is the contract; the
// in-process token bucket covers a single-instance deployment, and a
// shared store can stand in behind the same interface when the service
// runs replicated.
package ratelimit

import "context"

// Limiter decides whether the request identified by key proceeds.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow reports whether the request should proceed. Keys are
	// opaque to the limiter; the HTTP middleware derives them from the
	// client address ("203.0.113.7"). An error means the limiter
	// itself failed, and callers fail open rather than blocking
	// traffic.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases limiter resources.
	Close() error
}

// NoopLimiter admits every request. Wired when rate limiting is
// disabled so the middleware chain keeps a single shape.
type NoopLimiter struct{}

// Allow always permits.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
