package main

import (
	"net/http"
	"time"
)

// relayVersion is set at build time with -ldflags "-X main.relayVersion=...".
var relayVersion = "dev"

type healthReport struct {
	Status   string `json:"status"` // "healthy" | "degraded"
	Workers  int    `json:"workers"`
	InFlight int    `json:"inFlight"`
	Queued   int    `json:"queued"`
	Uptime   string `json:"uptime"`
	Version  string `json:"version"`
}

// healthCheck is degraded while no worker is connected: the relay is up but
// every request would be rejected.
func healthCheck(stats DispatcherStats, startTime time.Time) healthReport {
	status := "healthy"
	if stats.Workers == 0 {
		status = "degraded"
	}
	return healthReport{
		Status:   status,
		Workers:  stats.Workers,
		InFlight: stats.InFlight,
		Queued:   stats.Queued,
		Uptime:   time.Since(startTime).Round(time.Second).String(),
		Version:  relayVersion,
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthCheck(s.dispatcher.Stats(), s.startTime))
}
