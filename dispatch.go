package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// RelaySettings are the admission knobs that can change at runtime.
type RelaySettings struct {
	Policy  AdmissionPolicy `json:"policy"`
	Timeout time.Duration   `json:"-"`
}

// DispatcherStats is a point-in-time view for health and admin endpoints.
type DispatcherStats struct {
	Policy    AdmissionPolicy `json:"policy"`
	Timeout   string          `json:"timeout"`
	Workers   int             `json:"workers"`
	InFlight  int             `json:"inFlight"`
	Queued    int             `json:"queued"`
	QueuedIDs []uint64        `json:"queuedIds,omitempty"`
}

// --- Dispatcher ---

// Dispatcher is the single owner of the busy/idle state, the request queue
// and job ID assignment. Admission, dispatch and completion all serialize on
// mu, so a worker is never handed two jobs and a freed worker picks up the
// next queued job before any new admission can observe it idle.
type Dispatcher struct {
	mu        sync.Mutex
	clock     clock.Clock
	registry  *Registry
	table     *CorrelationTable
	admission admissionController
	queue     requestQueue
	settings  RelaySettings
	maxQueue  int
	nextID    uint64
	activity  *activityLog
	expired   map[uint64]string   // timed-out job ID -> worker still holding it
	answered  map[uint64]struct{} // terminal reply seen before run finished

	running sync.WaitGroup
}

func newDispatcher(reg *Registry, table *CorrelationTable, clk clock.Clock, settings RelaySettings, maxQueue int, activity *activityLog) *Dispatcher {
	if clk == nil {
		clk = clock.New()
	}
	if activity == nil {
		activity = newActivityLog(100)
	}
	d := &Dispatcher{
		clock:     clk,
		registry:  reg,
		table:     table,
		admission: admissionController{registry: reg},
		settings:  settings,
		maxQueue:  maxQueue,
		activity:  activity,
		expired:   make(map[uint64]string),
		answered:  make(map[uint64]struct{}),
	}
	reg.setHooks(d.onWorkerConnect, d.onWorkerDisconnect)
	return d
}

// Submit assigns the job its ID and admits it. A rejected job is finished
// before Submit returns; otherwise its outcome arrives later on j.Done().
func (d *Dispatcher) Submit(j *Job) Decision {
	d.mu.Lock()
	d.nextID++
	j.ID = d.nextID
	j.ArrivedAt = d.clock.Now()

	var adm Admission
	for {
		adm = d.admission.admit(d.settings.Policy, d.queue.len(), d.maxQueue)
		if adm.Decision != DecisionDispatch || d.startLocked(j, adm.Worker) {
			break
		}
		// The chosen worker went away between selection and occupation.
	}
	if adm.Decision == DecisionEnqueue {
		d.queue.push(j)
	}
	d.updateGaugesLocked()
	d.mu.Unlock()

	admissionsTotal.WithLabelValues(adm.Decision.String()).Inc()
	switch adm.Decision {
	case DecisionEnqueue:
		logInfo("job queued", "traceId", j.TraceID, "jobId", j.ID)
		d.activity.add(ActivityEntry{JobID: j.ID, Event: "queued"})
	case DecisionReject:
		d.finish(j, Outcome{Err: adm.Reason})
	}
	return adm.Decision
}

// startLocked moves a job into flight on w: occupy the slot, open the
// correlation entry, then hand off to a goroutine that sends and waits.
func (d *Dispatcher) startLocked(j *Job, w *WorkerConn) bool {
	if !d.registry.occupy(w.ID, j.ID) {
		return false
	}
	result := d.table.Open(j.ID, w.ID, d.settings.Timeout, j.pushChunk)
	d.running.Add(1)
	go d.run(j, w, result)
	return true
}

func (d *Dispatcher) run(j *Job, w *WorkerConn, result <-chan Outcome) {
	defer d.running.Done()

	logInfo("job dispatched", "traceId", j.TraceID, "jobId", j.ID, "worker", w.ID)
	d.activity.add(ActivityEntry{JobID: j.ID, Event: "dispatched", Worker: w.ID})

	data, err := encodeDispatch(j)
	if err == nil {
		err = w.Send(data)
	}
	if err != nil {
		logWarn("dispatch send failed", "traceId", j.TraceID, "jobId", j.ID, "worker", w.ID, "error", err)
		d.table.Reject(j.ID, ErrSendFailed)
	}

	o := <-result

	// The caller's answer, the slot release and the next dispatch happen under
	// one lock, so nobody who has seen this outcome can find the worker busy
	// with it.
	d.mu.Lock()
	d.finish(j, o)
	_, answered := d.answered[j.ID]
	delete(d.answered, j.ID)
	if errors.Is(o.Err, ErrTimeout) && !answered && d.registry.holds(w.ID, j.ID) {
		// The worker may still be working on it. Keep the slot until it
		// answers or goes away.
		d.expired[j.ID] = w.ID
		logWarn("worker held until it answers the timed-out job", "traceId", j.TraceID, "jobId", j.ID, "worker", w.ID)
	} else {
		d.registry.release(w.ID, j.ID)
		d.drainLocked()
	}
	d.updateGaugesLocked()
	d.mu.Unlock()
}

// settleExpired frees a worker that was held after its job timed out, once
// that worker sends the job's terminal message.
func (d *Dispatcher) settleExpired(workerID string, jobID uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	owner, ok := d.expired[jobID]
	if !ok {
		// The timeout may have fired without run having seen it yet.
		if d.registry.holds(workerID, jobID) {
			d.answered[jobID] = struct{}{}
		}
		return
	}
	if owner != workerID {
		return
	}
	delete(d.expired, jobID)
	if d.registry.release(workerID, jobID) {
		logInfo("worker released by late reply", "jobId", jobID, "worker", workerID)
		d.activity.add(ActivityEntry{JobID: jobID, Event: "late_reply", Worker: workerID})
		d.drainLocked()
	}
	d.updateGaugesLocked()
}

// drainLocked hands queued jobs to idle workers, oldest job first.
func (d *Dispatcher) drainLocked() {
	for d.queue.len() > 0 {
		w := d.registry.BestAvailable()
		if w == nil {
			return
		}
		next := d.queue.items[0]
		if d.startLocked(next, w) {
			d.queue.pop()
		}
	}
}

// finish delivers the terminal outcome to the caller and records it. It never
// blocks, so it may run under d.mu.
func (d *Dispatcher) finish(j *Job, o Outcome) {
	if o.Err != nil {
		o.Err = asRelayError(o.Err)
	}
	if !j.finish(o) {
		return
	}

	elapsed := d.clock.Since(j.ArrivedAt)
	entry := ActivityEntry{JobID: j.ID, Worker: o.Worker, ElapsedMs: elapsed.Milliseconds()}
	if o.Err != nil {
		code := o.Err.(*RelayError).Code
		entry.Event = "failed"
		entry.Code = code
		jobsTotal.WithLabelValues(code).Inc()
		logWarn("job failed", "traceId", j.TraceID, "jobId", j.ID, "worker", o.Worker,
			"code", code, "elapsed", elapsed.String())
	} else {
		entry.Event = "completed"
		jobsTotal.WithLabelValues("ok").Inc()
		logInfo("job completed", "traceId", j.TraceID, "jobId", j.ID, "worker", o.Worker,
			"elapsed", elapsed.String(), "chars", len(o.Content))
	}
	if o.Worker != "" {
		jobDuration.Observe(elapsed.Seconds())
	}
	d.activity.add(entry)
}

// --- Worker lifecycle hooks ---

func (d *Dispatcher) onWorkerConnect(w *WorkerConn) {
	d.activity.add(ActivityEntry{Event: "worker_connected", Worker: w.ID})
	d.mu.Lock()
	d.drainLocked()
	d.updateGaugesLocked()
	d.mu.Unlock()
}

// onWorkerDisconnect rejects whatever the worker had in flight. Queued jobs
// stay queued for the next worker.
func (d *Dispatcher) onWorkerDisconnect(w *WorkerConn, inFlight uint64) {
	n := d.table.RejectWorker(w.ID, ErrWorkerDisconnected)
	d.activity.add(ActivityEntry{JobID: inFlight, Event: "worker_disconnected", Worker: w.ID})
	if n > 0 {
		logWarn("in-flight jobs rejected on disconnect", "worker", w.ID, "count", n)
	}
	d.mu.Lock()
	if owner, ok := d.expired[inFlight]; ok && owner == w.ID {
		delete(d.expired, inFlight)
	}
	d.updateGaugesLocked()
	d.mu.Unlock()
}

// --- Settings & stats ---

func (d *Dispatcher) Settings() RelaySettings {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings
}

// UpdateSettings changes the policy and/or timeout. A new timeout applies to
// jobs dispatched after the call.
func (d *Dispatcher) UpdateSettings(policy *AdmissionPolicy, timeout *time.Duration) (RelaySettings, error) {
	if policy != nil {
		if _, err := parsePolicy(string(*policy)); err != nil {
			return RelaySettings{}, err
		}
	}
	if timeout != nil && *timeout <= 0 {
		return RelaySettings{}, errors.New("timeout must be positive")
	}

	d.mu.Lock()
	if policy != nil {
		d.settings.Policy = *policy
	}
	if timeout != nil {
		d.settings.Timeout = *timeout
	}
	s := d.settings
	d.mu.Unlock()

	logInfo("relay settings updated", "policy", s.Policy, "timeout", s.Timeout.String())
	d.activity.add(ActivityEntry{Event: "settings_updated", Detail: string(s.Policy) + " " + s.Timeout.String()})
	return s, nil
}

func (d *Dispatcher) Stats() DispatcherStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DispatcherStats{
		Policy:    d.settings.Policy,
		Timeout:   d.settings.Timeout.String(),
		Workers:   d.registry.Count(),
		InFlight:  d.table.Len(),
		Queued:    d.queue.len(),
		QueuedIDs: d.queue.ids(),
	}
}

func (d *Dispatcher) updateGaugesLocked() {
	queueDepth.Set(float64(d.queue.len()))
	jobsInFlight.Set(float64(d.table.Len()))
	workersConnected.Set(float64(d.registry.Count()))
}

// --- Shutdown ---

// Shutdown disconnects every worker, fails the queued jobs and waits for the
// in-flight goroutines to deliver their outcomes.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.registry.closeAll("relay shutting down")

	d.mu.Lock()
	var queued []*Job
	for j := d.queue.pop(); j != nil; j = d.queue.pop() {
		queued = append(queued, j)
	}
	d.updateGaugesLocked()
	d.mu.Unlock()
	for _, j := range queued {
		d.finish(j, Outcome{Err: ErrWorkerDisconnected})
	}

	done := make(chan struct{})
	go func() {
		d.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
