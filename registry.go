package main

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// workerTransport is the persistent connection to one worker.
type workerTransport interface {
	Send(data []byte) error
	Ping() error
	Close() error
	RemoteAddr() string
}

// WorkerConn is one registered worker. The mutable fields are guarded by the
// owning Registry's lock.
type WorkerConn struct {
	ID          string
	ConnectedAt time.Time
	transport   workerTransport

	alive            bool
	pendingHeartbeat bool
	lastActivity     time.Time
	inFlight         uint64 // job ID, 0 while idle
	agent            string
	version          string
}

// Send writes one framed message to the worker.
func (w *WorkerConn) Send(data []byte) error { return w.transport.Send(data) }

// WorkerInfo is a read-only copy of a worker's state.
type WorkerInfo struct {
	ID               string    `json:"id"`
	RemoteAddr       string    `json:"remoteAddr"`
	Agent            string    `json:"agent,omitempty"`
	Version          string    `json:"version,omitempty"`
	Alive            bool      `json:"alive"`
	PendingHeartbeat bool      `json:"pendingHeartbeat"`
	InFlight         uint64    `json:"inFlight,omitempty"`
	ConnectedAt      time.Time `json:"connectedAt"`
	LastActivity     time.Time `json:"lastActivity"`
}

// --- Connection Registry ---

// Registry tracks worker connections and their liveness. It is sized for a
// single worker today but holds any number of entries.
type Registry struct {
	mu         sync.RWMutex
	clock      clock.Clock
	ids        *workerIDGen
	workers    map[string]*WorkerConn
	order      []string // registration order, oldest first
	maxWorkers int
	inactivity time.Duration

	onConnect    func(w *WorkerConn)
	onDisconnect func(w *WorkerConn, inFlight uint64)
}

func newRegistry(clk clock.Clock, maxWorkers int, inactivity time.Duration) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	return &Registry{
		clock:      clk,
		ids:        newWorkerIDGen(),
		workers:    make(map[string]*WorkerConn),
		maxWorkers: maxWorkers,
		inactivity: inactivity,
	}
}

// setHooks installs the connect/disconnect callbacks. Both run without the
// registry lock held.
func (r *Registry) setHooks(onConnect func(*WorkerConn), onDisconnect func(*WorkerConn, uint64)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onConnect = onConnect
	r.onDisconnect = onDisconnect
}

// Register adds a connection and returns its handle. At capacity the oldest
// worker is dropped first, which pushes its in-flight job through the
// disconnect path before the new handle becomes visible.
func (r *Registry) Register(t workerTransport) *WorkerConn {
	for {
		r.mu.RLock()
		var oldest string
		if len(r.order) >= r.maxWorkers {
			oldest = r.order[0]
		}
		r.mu.RUnlock()
		if oldest == "" {
			break
		}
		r.Drop(oldest, "replaced by new connection")
	}

	now := r.clock.Now()
	w := &WorkerConn{
		ID:           r.ids.ID(),
		ConnectedAt:  now,
		transport:    t,
		alive:        true,
		lastActivity: now,
	}

	r.mu.Lock()
	r.workers[w.ID] = w
	r.order = append(r.order, w.ID)
	hook := r.onConnect
	r.mu.Unlock()

	logInfo("worker connected", "worker", w.ID, "remote", t.RemoteAddr())
	if hook != nil {
		hook(w)
	}
	return w
}

// MarkAlive records inbound activity or a heartbeat acknowledgment.
func (r *Registry) MarkAlive(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[id]; ok {
		w.alive = true
		w.pendingHeartbeat = false
		w.lastActivity = r.clock.Now()
	}
}

// setHello records what the worker said about itself.
func (r *Registry) setHello(id, agent, version string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[id]; ok {
		w.agent = agent
		w.version = version
	}
}

// Drop removes a worker, closes its connection and fires the disconnect hook
// with the job it had in flight. Only the first call for an ID does anything.
func (r *Registry) Drop(id, reason string) bool {
	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.workers, id)
	for i, wid := range r.order {
		if wid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	w.alive = false
	inFlight := w.inFlight
	w.inFlight = 0
	hook := r.onDisconnect
	r.mu.Unlock()

	w.transport.Close()
	logInfo("worker disconnected", "worker", id, "reason", reason, "inFlight", inFlight)
	if hook != nil {
		hook(w, inFlight)
	}
	return true
}

// Get returns the live handle for id, or nil.
func (r *Registry) Get(id string) *WorkerConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workers[id]
}

// Count is the number of registered workers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// IsBusy reports whether every registered worker has a job in flight. It is
// false when no worker is registered.
func (r *Registry) IsBusy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.workers) == 0 {
		return false
	}
	for _, w := range r.workers {
		if w.alive && w.inFlight == 0 {
			return false
		}
	}
	return true
}

// BestAvailable returns the longest-connected idle, alive worker, or nil.
func (r *Registry) BestAvailable() *WorkerConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		w := r.workers[id]
		if w.alive && w.inFlight == 0 {
			return w
		}
	}
	return nil
}

// occupy marks the worker busy with jobID. It fails if the worker is gone or
// already busy.
func (r *Registry) occupy(id string, jobID uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok || w.inFlight != 0 {
		return false
	}
	w.inFlight = jobID
	return true
}

// release frees the worker if jobID is still the one it holds.
func (r *Registry) release(id string, jobID uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok || w.inFlight != jobID {
		return false
	}
	w.inFlight = 0
	return true
}

// holds reports whether the worker still has jobID in flight.
func (r *Registry) holds(id string, jobID uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	return ok && w.inFlight == jobID
}

// Snapshot copies every worker's state, oldest first.
func (r *Registry) Snapshot() []WorkerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]WorkerInfo, 0, len(r.order))
	for _, id := range r.order {
		w := r.workers[id]
		out = append(out, WorkerInfo{
			ID:               w.ID,
			RemoteAddr:       w.transport.RemoteAddr(),
			Agent:            w.agent,
			Version:          w.version,
			Alive:            w.alive,
			PendingHeartbeat: w.pendingHeartbeat,
			InFlight:         w.inFlight,
			ConnectedAt:      w.ConnectedAt,
			LastActivity:     w.lastActivity,
		})
	}
	return out
}

// --- Liveness ---

// Sweep runs one liveness pass. A worker still waiting on the probe sent by
// the previous pass is dropped; a worker silent past the inactivity
// threshold is probed.
func (r *Registry) Sweep() {
	now := r.clock.Now()
	var dead []string
	var probe []*WorkerConn

	r.mu.Lock()
	for _, id := range r.order {
		w := r.workers[id]
		if w.pendingHeartbeat {
			w.alive = false
			dead = append(dead, id)
			continue
		}
		if now.Sub(w.lastActivity) >= r.inactivity {
			w.pendingHeartbeat = true
			probe = append(probe, w)
		}
	}
	r.mu.Unlock()

	for _, w := range probe {
		if err := w.transport.Ping(); err != nil {
			logWarn("heartbeat probe failed", "worker", w.ID, "error", err)
			dead = append(dead, w.ID)
		}
	}
	for _, id := range dead {
		r.Drop(id, "heartbeat timeout")
	}
}

// runSweeper calls Sweep every interval until ctx is done.
func (r *Registry) runSweeper(ctx context.Context, interval time.Duration) {
	ticker := r.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// closeAll drops every worker. Used on shutdown.
func (r *Registry) closeAll(reason string) {
	r.mu.RLock()
	ids := append([]string(nil), r.order...)
	r.mu.RUnlock()
	for _, id := range ids {
		r.Drop(id, reason)
	}
}
