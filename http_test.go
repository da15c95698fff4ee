package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIPRateLimiter(t *testing.T) {
	rl := newIPRateLimiter(1, 2)
	assert.True(t, rl.allow("10.0.0.1"))
	assert.True(t, rl.allow("10.0.0.1"))
	assert.False(t, rl.allow("10.0.0.1"))
	assert.True(t, rl.allow("10.0.0.2"), "limits are per IP")

	rl.cleanup(time.Hour)
	assert.Len(t, rl.limiters, 2)
	rl.cleanup(0)
	assert.Empty(t, rl.limiters)
}

func TestRateLimitMiddleware_OnlyAPI(t *testing.T) {
	rl := newIPRateLimiter(0.001, 1)
	h := rateLimitMiddleware(rl, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	call := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "192.0.2.7:4000"
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, call("/v1/models").Code)
	limited := call("/v1/models")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Contains(t, limited.Body.String(), CodeRateLimited)

	assert.Equal(t, http.StatusNoContent, call("/healthz").Code)
	assert.Equal(t, http.StatusNoContent, call("/ws").Code)
}

func TestRateLimitMiddleware_Disabled(t *testing.T) {
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	h := rateLimitMiddleware(nil, next)
	assert.NotNil(t, h)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.4:5555"
	assert.Equal(t, "198.51.100.4", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientIP(req))
}

func TestErrorType(t *testing.T) {
	assert.Equal(t, "invalid_request_error", errorType(http.StatusBadRequest))
	assert.Equal(t, "rate_limit_error", errorType(http.StatusTooManyRequests))
	assert.Equal(t, "service_unavailable", errorType(http.StatusServiceUnavailable))
	assert.Equal(t, "timeout_error", errorType(http.StatusGatewayTimeout))
	assert.Equal(t, "server_error", errorType(http.StatusInternalServerError))
}

func TestServer_RateLimitWired(t *testing.T) {
	r := newTestRelay(t, PolicyQueue, 0)
	s, _ := newTestServer(t, r, func(c *Config) {
		c.RateLimit = RateLimitConfig{Enabled: true, PerSecond: 0.001, Burst: 1}
	})
	h := s.Handler()

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}
