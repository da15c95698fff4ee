package main

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// traceKey is the context key type for trace IDs.
type traceKey struct{}

// newTraceID returns "<prefix>-<6 hex chars>", e.g. "http-a1b2c3".
func newTraceID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "-" + id[:6]
}

func withTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// traceIDFromContext returns "" if no trace ID is set.
func traceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		return v
	}
	return ""
}

// traceMiddleware tags every request with a trace ID and echoes it back in
// X-Trace-Id. A caller-supplied X-Trace-Id is kept.
func traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-Id")
		if traceID == "" || len(traceID) > 64 {
			traceID = newTraceID("http")
		}
		w.Header().Set("X-Trace-Id", traceID)
		next.ServeHTTP(w, r.WithContext(withTraceID(r.Context(), traceID)))
	})
}
