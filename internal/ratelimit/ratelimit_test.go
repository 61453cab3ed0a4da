package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opal-net/opal/internal/model"
)

func TestMemoryLimiterAllowsBurstThenBlocks(t *testing.T) {
	l := NewMemoryLimiter(1, 3)
	defer func() { _ = l.Close() }()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "client-a")
		require.NoError(t, err)
		assert.True(t, ok, "request %d within burst", i)
	}

	ok, err := l.Allow(ctx, "client-a")
	require.NoError(t, err)
	assert.False(t, ok, "burst exhausted")
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	l := NewMemoryLimiter(1, 1)
	defer func() { _ = l.Close() }()

	ctx := context.Background()
	ok, _ := l.Allow(ctx, "client-a")
	assert.True(t, ok)
	ok, _ = l.Allow(ctx, "client-a")
	assert.False(t, ok)

	ok, _ = l.Allow(ctx, "client-b")
	assert.True(t, ok, "a blocked key must not affect others")
}

func TestMemoryLimiterRefills(t *testing.T) {
	l := NewMemoryLimiter(100, 1)
	defer func() { _ = l.Close() }()

	ctx := context.Background()
	ok, _ := l.Allow(ctx, "client-a")
	require.True(t, ok)
	ok, _ = l.Allow(ctx, "client-a")
	require.False(t, ok)

	time.Sleep(50 * time.Millisecond)
	ok, _ = l.Allow(ctx, "client-a")
	assert.True(t, ok, "tokens refill over time")
}

func TestMemoryLimiterDropsIdleClients(t *testing.T) {
	l := NewMemoryLimiter(1, 1)
	defer func() { _ = l.Close() }()

	_, err := l.Allow(context.Background(), "client-a")
	require.NoError(t, err)

	// A cutoff in the future makes every bucket idle.
	l.dropIdle(time.Now().Add(time.Second))

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.clients)
}

func TestMemoryLimiterCloseIsIdempotent(t *testing.T) {
	l := NewMemoryLimiter(1, 1)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var l NoopLimiter
	for i := 0; i < 100; i++ {
		ok, err := l.Allow(context.Background(), "anyone")
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestMiddlewareBlocksWithEnvelope(t *testing.T) {
	l := NewMemoryLimiter(0.001, 1)
	defer func() { _ = l.Close() }()

	var hits int
	handler := Middleware(l, IPKeyFunc, func(*http.Request) string { return "req-1" }, nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits++ }))

	req := httptest.NewRequest(http.MethodGet, "/v1/labs", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, 1, hits)

	var body model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, model.ErrCodeRateLimited, body.Error.Code)
	assert.Equal(t, "req-1", body.Meta.RequestID)
}

func TestMiddlewareSkipsEmptyKey(t *testing.T) {
	l := NewMemoryLimiter(0.001, 1)
	defer func() { _ = l.Close() }()

	handler := Middleware(l, func(*http.Request) string { return "" }, nil, nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestIPKeyFunc(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.168.1.5:51234"
	assert.Equal(t, "192.168.1.5", IPKeyFunc(r))
}
