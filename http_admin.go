package main

import (
	"encoding/json"
	"net/http"
	"time"
)

type adminStatus struct {
	DispatcherStats
	WorkersConnected int          `json:"workersConnected"`
	WorkerList       []WorkerInfo `json:"workerList"`
	Uptime           string       `json:"uptime"`
	UptimeSeconds    int64        `json:"uptimeSeconds"`
	Version          string       `json:"version"`
}

type settingsUpdate struct {
	Policy  *string `json:"policy,omitempty"`
	Timeout *string `json:"timeout,omitempty"` // Go duration, e.g. "90s"
}

type settingsView struct {
	Policy  AdmissionPolicy `json:"policy"`
	Timeout string          `json:"timeout"`
}

func (s *Server) registerAdminRoutes(mux *http.ServeMux) {
	// GET /admin/status
	mux.HandleFunc("/admin/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, `{"error":"GET only"}`, http.StatusMethodNotAllowed)
			return
		}
		workers := s.registry.Snapshot()
		uptime := time.Since(s.startTime)
		writeJSON(w, http.StatusOK, adminStatus{
			DispatcherStats:  s.dispatcher.Stats(),
			WorkersConnected: len(workers),
			WorkerList:       workers,
			Uptime:           uptime.Round(time.Second).String(),
			UptimeSeconds:    int64(uptime.Seconds()),
			Version:          relayVersion,
		})
	})

	// GET /admin/activity: recent activity, oldest first.
	mux.HandleFunc("/admin/activity", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, `{"error":"GET only"}`, http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": s.activity.recent()})
	})

	// GET  /admin/settings
	// POST /admin/settings {"policy":"drop","timeout":"90s"}
	mux.HandleFunc("/admin/settings", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, viewSettings(s.dispatcher.Settings()))
		case http.MethodPost:
			s.handleSettingsUpdate(w, r)
		default:
			http.Error(w, `{"error":"GET or POST only"}`, http.StatusMethodNotAllowed)
		}
	})
}

func (s *Server) handleSettingsUpdate(w http.ResponseWriter, r *http.Request) {
	var in settingsUpdate
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&in); err != nil {
		writeRelayError(w, invalidRequest("invalid JSON body: %v", err))
		return
	}

	var policy *AdmissionPolicy
	if in.Policy != nil {
		p, err := parsePolicy(*in.Policy)
		if err != nil {
			writeRelayError(w, invalidRequest("%v", err))
			return
		}
		policy = &p
	}
	var timeout *time.Duration
	if in.Timeout != nil {
		d, err := time.ParseDuration(*in.Timeout)
		if err != nil {
			writeRelayError(w, invalidRequest("timeout: %v", err))
			return
		}
		timeout = &d
	}

	settings, err := s.dispatcher.UpdateSettings(policy, timeout)
	if err != nil {
		writeRelayError(w, invalidRequest("%v", err))
		return
	}
	logInfoCtx(r.Context(), "settings changed via admin api", "ip", clientIP(r))
	writeJSON(w, http.StatusOK, viewSettings(settings))
}

func viewSettings(s RelaySettings) settingsView {
	return settingsView{Policy: s.Policy, Timeout: s.Timeout.String()}
}
