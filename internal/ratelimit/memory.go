package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	// bucketTTL is how long an idle key keeps its bucket before the
	// sweeper drops it.
	bucketTTL  = 10 * time.Minute
	sweepEvery = time.Minute
)

// clientBucket tracks the remaining allowance for one key.
type clientBucket struct {
	remaining float64
	seenAt    time.Time
}

// MemoryLimiter is a per-key token bucket held in process memory. Each
// key accrues rate tokens per second up to burst, and every allowed
// request spends one. A sweeper goroutine drops keys idle past
// bucketTTL so the map stays bounded under churning client addresses.
type MemoryLimiter struct {
	rate  float64
	burst float64

	mu      sync.Mutex
	clients map[string]*clientBucket

	closeOnce sync.Once
	closed    chan struct{}
}

// NewMemoryLimiter builds a limiter allowing rate sustained requests
// per second per key, with bursts up to burst. Close stops the
// sweeper.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	l := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		clients: make(map[string]*clientBucket),
		closed:  make(chan struct{}),
	}
	go l.sweep()
	return l
}

// Allow spends one token from key's bucket. A key's first request
// draws from a full bucket.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.clients[key]
	if !ok {
		l.clients[key] = &clientBucket{remaining: l.burst - 1, seenAt: now}
		return true, nil
	}

	b.remaining += now.Sub(b.seenAt).Seconds() * l.rate
	if b.remaining > l.burst {
		b.remaining = l.burst
	}
	b.seenAt = now

	if b.remaining < 1 {
		return false, nil
	}
	b.remaining--
	return true, nil
}

// Close stops the sweeper goroutine. Safe to call more than once.
func (l *MemoryLimiter) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *MemoryLimiter) sweep() {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-l.closed:
			return
		case <-ticker.C:
			l.dropIdle(time.Now().Add(-bucketTTL))
		}
	}
}

// dropIdle removes buckets last seen before cutoff.
func (l *MemoryLimiter) dropIdle(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, b := range l.clients {
		if b.seenAt.Before(cutoff) {
			delete(l.clients, key)
		}
	}
}
