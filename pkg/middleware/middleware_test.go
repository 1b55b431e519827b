package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return client, mr
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestDistributedRateLimiter_Allow(t *testing.T) {
	client, mr := setupRedis(t)
	ctx := context.Background()
	limiter := NewDistributedRateLimiter(client, &RateLimitConfig{RequestsPerWindow: 3, WindowDuration: time.Minute}, "ratelimit:test")

	for i := 0; i < 3; i++ {
		allowed, remaining, err := limiter.Allow(ctx, "ip:1.2.3.4")
		require.NoError(t, err)
		assert.True(t, allowed)
		assert.Equal(t, 2-i, remaining)
	}

	allowed, remaining, err := limiter.Allow(ctx, "ip:1.2.3.4")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, 0, remaining)

	allowed, _, err = limiter.Allow(ctx, "ip:5.6.7.8")
	require.NoError(t, err)
	assert.True(t, allowed, "keys are independent")

	ttl := mr.TTL("ratelimit:test:ip:1.2.3.4")
	assert.Greater(t, ttl, time.Duration(0))

	mr.FastForward(time.Minute + time.Second)
	allowed, _, err = limiter.Allow(ctx, "ip:1.2.3.4")
	require.NoError(t, err)
	assert.True(t, allowed, "window resets")
}

func TestDistributedRateLimiter_Reset(t *testing.T) {
	client, _ := setupRedis(t)
	ctx := context.Background()
	limiter := NewDistributedRateLimiter(client, &RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute}, "")

	_, _, err := limiter.Allow(ctx, "k")
	require.NoError(t, err)
	allowed, _, _ := limiter.Allow(ctx, "k")
	assert.False(t, allowed)

	require.NoError(t, limiter.Reset(ctx, "k"))
	allowed, _, _ = limiter.Allow(ctx, "k")
	assert.True(t, allowed)
}

func TestRateLimitMiddleware(t *testing.T) {
	client, _ := setupRedis(t)
	limiter := NewDistributedRateLimiter(client, &RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute}, "ratelimit:auth")
	handler := RateLimit(limiter, nil)(okHandler())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/auth", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
		if rec.Code == http.StatusTooManyRequests {
			assert.NotEmpty(t, rec.Header().Get("Retry-After"))
			assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
		}
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRateLimitMiddleware_FailsOpen(t *testing.T) {
	client, mr := setupRedis(t)
	limiter := NewDistributedRateLimiter(client, &RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute}, "")
	handler := RateLimit(limiter, nil)(okHandler())
	mr.Close()

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/callback", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded chain", map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.2"}, "10.0.0.3:1234", "203.0.113.7"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.4"}, "10.0.0.3:1234", "198.51.100.4"},
		{"remote addr", nil, "192.0.2.1:443", "192.0.2.1"},
		{"remote without port", nil, "192.0.2.1", "192.0.2.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(req))
		})
	}
}

func TestRequireToken(t *testing.T) {
	handler := RequireToken("s3cret")(okHandler())

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer s3cret", http.StatusOK},
		{"lower-case scheme", "bearer s3cret", http.StatusOK},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"basic auth", "Basic s3cret", http.StatusUnauthorized},
		{"missing", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/add_user_to_groups", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRequireToken_Disabled(t *testing.T) {
	rec := httptest.NewRecorder()
	RequireToken("")(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
