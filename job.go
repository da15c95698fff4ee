package main

import (
	"sync"
	"sync/atomic"
	"time"
)

// ModelSettings is what the caller asked for besides the prompt. It is passed
// through to the worker untouched.
type ModelSettings struct {
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"topP,omitempty"`
	MaxTokens   *int     `json:"maxTokens,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
}

// Outcome is the terminal disposition of a job: Content on success, Err
// (always a *RelayError) otherwise.
type Outcome struct {
	JobID   uint64
	Content string
	Err     error
	Worker  string
}

// Job is one chat-completion request from admission until terminal delivery.
type Job struct {
	ID        uint64
	Prompt    string
	Settings  ModelSettings
	ArrivedAt time.Time
	TraceID   string

	once         sync.Once
	done         chan Outcome
	chunks       chan string
	chunkDropped atomic.Bool
}

const jobChunkBuffer = 64

func newJob(prompt string, settings ModelSettings, traceID string) *Job {
	return &Job{
		Prompt:   prompt,
		Settings: settings,
		TraceID:  traceID,
		done:     make(chan Outcome, 1),
		chunks:   make(chan string, jobChunkBuffer),
	}
}

// Done yields the terminal outcome exactly once.
func (j *Job) Done() <-chan Outcome { return j.done }

// Chunks yields partial output as the worker streams it. Delivery is best
// effort: once the buffer overflows no further chunks are sent, so what a
// reader has seen is always a prefix of the final content.
func (j *Job) Chunks() <-chan string { return j.chunks }

// finish fulfils the caller sink. Only the first call has any effect; the
// return value reports whether this call was the one that delivered.
func (j *Job) finish(o Outcome) bool {
	delivered := false
	j.once.Do(func() {
		o.JobID = j.ID
		j.done <- o
		delivered = true
	})
	return delivered
}

func (j *Job) pushChunk(s string) {
	if s == "" || j.chunkDropped.Load() {
		return
	}
	select {
	case j.chunks <- s:
	default:
		j.chunkDropped.Store(true)
	}
}
