package main

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

// Server holds all dependencies for the HTTP server.
type Server struct {
	cfg        *Config
	dispatcher *Dispatcher
	registry   *Registry
	router     *outcomeRouter
	activity   *activityLog
	metrics    *prometheus.Registry
	limiter    *ipRateLimiter
	upgrader   websocket.Upgrader
	startTime  time.Time

	addrMu sync.RWMutex
	addr   string // bound listen address, set once serving
}

func (s *Server) setAddr(addr string) {
	s.addrMu.Lock()
	s.addr = addr
	s.addrMu.Unlock()
}

// Addr is the address the relay is listening on, or "" before start.
func (s *Server) Addr() string {
	s.addrMu.RLock()
	defer s.addrMu.RUnlock()
	return s.addr
}

func newServer(cfg *Config, d *Dispatcher, reg *Registry, table *CorrelationTable, activity *activityLog, metrics *prometheus.Registry) *Server {
	s := &Server{
		cfg:        cfg,
		dispatcher: d,
		registry:   reg,
		router:     &outcomeRouter{table: table, registry: reg, settle: d.settleExpired},
		activity:   activity,
		metrics:    metrics,
		startTime:  time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser extensions connect from chrome-extension:// origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if cfg.RateLimit.Enabled {
		s.limiter = newIPRateLimiter(cfg.RateLimit.perSecondOrDefault(), cfg.RateLimit.burstOrDefault())
	}
	return s
}

// Handler builds the mux and wraps it in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/v1/models", s.handleModels)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc(s.cfg.Worker.pathOrDefault(), s.handleWorkerSocket)
	if s.metrics != nil {
		mux.Handle("/metrics", metricsHandler(s.metrics))
	}
	s.registerAdminRoutes(mux)

	var h http.Handler = mux
	h = rateLimitMiddleware(s.limiter, h)
	h = traceMiddleware(h)
	return h
}
