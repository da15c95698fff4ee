package main

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

type apiErrorBody struct {
	Error apiError `json:"error"`
}

func errorBody(e *RelayError) apiErrorBody {
	return apiErrorBody{Error: apiError{Message: e.Message, Type: errorType(e.Status), Code: e.Code}}
}

// writeRelayError answers with the OpenAI-compatible error envelope.
func writeRelayError(w http.ResponseWriter, e *RelayError) {
	writeJSON(w, e.Status, errorBody(e))
}

func errorType(status int) string {
	switch {
	case status == http.StatusBadRequest:
		return "invalid_request_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status == http.StatusServiceUnavailable:
		return "service_unavailable"
	case status == http.StatusGatewayTimeout:
		return "timeout_error"
	default:
		return "server_error"
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
	}
	// Strip port from RemoteAddr.
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// --- Per-IP rate limiting ---

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

type ipRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	limit    rate.Limit
	burst    int
}

func newIPRateLimiter(perSecond float64, burst int) *ipRateLimiter {
	return &ipRateLimiter{
		limiters: make(map[string]*limiterEntry),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

// allow reports whether ip may make another request now.
func (rl *ipRateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	e, ok := rl.limiters[ip]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[ip] = e
	}
	e.lastSeen = time.Now()
	return e.lim.Allow()
}

// cleanup drops limiters idle longer than maxIdle.
func (rl *ipRateLimiter) cleanup(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-maxIdle)
	for ip, e := range rl.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(rl.limiters, ip)
		}
	}
}

var errRateLimited = &RelayError{
	Code:    CodeRateLimited,
	Message: "too many requests",
	Status:  http.StatusTooManyRequests,
}

// rateLimitMiddleware limits the OpenAI-compatible API only; the worker
// socket, health and admin endpoints are never limited.
func rateLimitMiddleware(rl *ipRateLimiter, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/v1/") && !rl.allow(clientIP(r)) {
			writeRelayError(w, errRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}
