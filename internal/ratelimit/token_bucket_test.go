package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBucket(t *testing.T, capacity int) (*TokenBucket, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenBucket(client, "ratelimit:", capacity, 1, time.Minute), mr
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 2)

	d, err := bucket.Allow(ctx, "tenant")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "first token")
	d, err = bucket.Allow(ctx, "tenant")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "second token")
	d, err = bucket.Allow(ctx, "tenant")
	require.NoError(t, err)
	assert.False(t, d.Allowed, "third token")

	// buckets are per key
	d, err = bucket.Allow(ctx, "other")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// Note: refill is not tested with miniredis.FastForward() because the script
	// receives time from Go's time.Now(), not Redis's internal clock.
}

func TestMiddlewareRejectsWith429(t *testing.T) {
	bucket, _ := newBucket(t, 1)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := Middleware(bucket, func(*http.Request) string { return "k" }, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.JSONEq(t, `{"error":"rate_limited"}`, rec.Body.String())
}

func TestMiddlewareFailsOpen(t *testing.T) {
	bucket, mr := newBucket(t, 1)
	mr.Close()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := Middleware(bucket, nil, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", ClientIP(r))
}
