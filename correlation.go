package main

import (
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Terminal dispositions of a correlation entry.
const (
	dispositionResolved = "resolved"
	dispositionRejected = "rejected"
	dispositionExpired  = "expired"
)

const recentDispositions = 256

// pendingEntry is one in-flight job waiting on its worker.
type pendingEntry struct {
	jobID    uint64
	workerID string
	openedAt time.Time
	result   chan Outcome
	timer    *clock.Timer
	buf      strings.Builder
	onChunk  func(string)
}

// CorrelationTable maps in-flight job IDs to their pending outcome. Every
// entry is disposed of exactly once: resolve, reject or expire, whichever
// comes first under the table lock. Later calls for the same ID are no-ops.
type CorrelationTable struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[uint64]*pendingEntry
	recent  *lru.Cache[uint64, string] // recently disposed job ID -> disposition
}

func newCorrelationTable(clk clock.Clock) *CorrelationTable {
	if clk == nil {
		clk = clock.New()
	}
	recent, err := lru.New[uint64, string](recentDispositions)
	if err != nil {
		// Only fails for a non-positive size.
		panic(err)
	}
	return &CorrelationTable{
		clock:   clk,
		entries: make(map[uint64]*pendingEntry),
		recent:  recent,
	}
}

// Open creates the entry for jobID and arms its timeout. The returned channel
// receives exactly one Outcome. onChunk, if set, sees each partial chunk.
func (c *CorrelationTable) Open(jobID uint64, workerID string, timeout time.Duration, onChunk func(string)) <-chan Outcome {
	e := &pendingEntry{
		jobID:    jobID,
		workerID: workerID,
		openedAt: c.clock.Now(),
		result:   make(chan Outcome, 1),
		onChunk:  onChunk,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries[jobID]; ok {
		// Job IDs are never reused; treat a duplicate as a programming error
		// on the old entry rather than leaking it.
		c.disposeLocked(old, Outcome{Err: ErrSendFailed}, dispositionRejected)
	}
	c.entries[jobID] = e
	e.timer = c.clock.AfterFunc(timeout, func() { c.expire(jobID) })
	return e.result
}

// Resolve completes jobID with content.
func (c *CorrelationTable) Resolve(jobID uint64, content string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[jobID]
	if !ok {
		return false
	}
	c.disposeLocked(e, Outcome{Content: content}, dispositionResolved)
	return true
}

// ResolveChunked completes jobID with everything accumulated so far plus the
// final chunk.
func (c *CorrelationTable) ResolveChunked(jobID uint64, final string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[jobID]
	if !ok {
		return false
	}
	if e.onChunk != nil {
		e.onChunk(final)
	}
	e.buf.WriteString(final)
	c.disposeLocked(e, Outcome{Content: e.buf.String()}, dispositionResolved)
	return true
}

// AppendChunk adds a partial result without resolving.
func (c *CorrelationTable) AppendChunk(jobID uint64, chunk string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[jobID]
	if !ok {
		return false
	}
	e.buf.WriteString(chunk)
	if e.onChunk != nil {
		e.onChunk(chunk)
	}
	return true
}

// Reject fails jobID with err, discarding any partial accumulation.
func (c *CorrelationTable) Reject(jobID uint64, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[jobID]
	if !ok {
		return false
	}
	c.disposeLocked(e, Outcome{Err: err}, dispositionRejected)
	return true
}

// expire is the timeout path.
func (c *CorrelationTable) expire(jobID uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[jobID]
	if !ok {
		return false
	}
	c.disposeLocked(e, Outcome{Err: ErrTimeout}, dispositionExpired)
	return true
}

// RejectWorker fails every entry correlated to workerID and returns how many.
func (c *CorrelationTable) RejectWorker(workerID string, err error) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if e.workerID == workerID {
			c.disposeLocked(e, Outcome{Err: err}, dispositionRejected)
			n++
		}
	}
	return n
}

// Owner returns the worker an open entry is correlated to.
func (c *CorrelationTable) Owner(jobID uint64) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[jobID]
	if !ok {
		return "", false
	}
	return e.workerID, true
}

// recentDisposition reports how a recently closed entry ended.
func (c *CorrelationTable) recentDisposition(jobID uint64) (string, bool) {
	return c.recent.Get(jobID)
}

// Len is the number of open entries.
func (c *CorrelationTable) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *CorrelationTable) disposeLocked(e *pendingEntry, o Outcome, disposition string) {
	delete(c.entries, e.jobID)
	if e.timer != nil {
		e.timer.Stop()
	}
	c.recent.Add(e.jobID, disposition)
	o.JobID = e.jobID
	o.Worker = e.workerID
	e.result <- o
}
