package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// sseHeartbeatInterval keeps idle streams (e.g. a job waiting in the queue)
// alive through proxies.
const sseHeartbeatInterval = 15 * time.Second

// sseWriter writes OpenAI-style "data:" events.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// startSSE sets the event-stream headers and commits the 200 response.
func startSSE(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx proxy support
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, true
}

func (s *sseWriter) data(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "data: %s\n\n", b)
	s.flusher.Flush()
}

func (s *sseWriter) done() {
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flusher.Flush()
}

func (s *sseWriter) heartbeat() {
	fmt.Fprintf(s.w, ": heartbeat %s\n\n", time.Now().Format(time.RFC3339))
	s.flusher.Flush()
}
