package main

import (
	"sync"
	"time"
)

// ActivityEntry is one line of the admin activity log.
type ActivityEntry struct {
	Time      time.Time `json:"time"`
	Event     string    `json:"event"`
	JobID     uint64    `json:"jobId,omitempty"`
	Worker    string    `json:"worker,omitempty"`
	Code      string    `json:"code,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	ElapsedMs int64     `json:"elapsedMs,omitempty"`
}

// activityLog keeps the last size entries in a ring.
type activityLog struct {
	mu      sync.Mutex
	entries []ActivityEntry
	next    int
	full    bool
	now     func() time.Time
}

func newActivityLog(size int) *activityLog {
	if size <= 0 {
		size = 100
	}
	return &activityLog{entries: make([]ActivityEntry, size), now: time.Now}
}

func (l *activityLog) add(e ActivityEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.Time.IsZero() {
		e.Time = l.now()
	}
	l.entries[l.next] = e
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
}

// recent returns the retained entries, oldest first.
func (l *activityLog) recent() []ActivityEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.full {
		return append([]ActivityEntry(nil), l.entries[:l.next]...)
	}
	out := make([]ActivityEntry, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	return append(out, l.entries[:l.next]...)
}
