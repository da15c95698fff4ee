package main

import (
	"encoding/json"
	"fmt"
)

// --- Wire Tags ---

const (
	msgDispatch    = "dispatch"
	msgResult      = "result"
	msgChunk       = "chunk"
	msgError       = "error"
	msgStreamEnded = "streamEnded"
	msgPong        = "pong"
	msgHello       = "hello"
)

// --- Outbound ---

type dispatchMessage struct {
	Type          string        `json:"type"`
	JobID         uint64        `json:"jobId"`
	Prompt        string        `json:"prompt"`
	ModelSettings ModelSettings `json:"modelSettings"`
}

// encodeDispatch wraps a job into the single message the worker needs.
func encodeDispatch(j *Job) ([]byte, error) {
	data, err := json.Marshal(dispatchMessage{
		Type:          msgDispatch,
		JobID:         j.ID,
		Prompt:        j.Prompt,
		ModelSettings: j.Settings,
	})
	if err != nil {
		return nil, fmt.Errorf("encode dispatch %d: %w", j.ID, err)
	}
	return data, nil
}

// --- Inbound ---

// WorkerMessage is the closed set of messages a worker can send.
type WorkerMessage interface {
	workerMessage()
}

type ResultMessage struct {
	JobID   uint64
	Content string
}

type ChunkMessage struct {
	JobID   uint64
	Chunk   string
	IsFinal bool
}

type ErrorMessage struct {
	JobID uint64
	Error string
}

type StreamEndedMessage struct {
	JobID uint64
}

type HeartbeatAck struct{}

type HelloMessage struct {
	Agent   string
	Version string
}

// UnknownMessage is any tag this relay does not understand. It is logged
// and ignored.
type UnknownMessage struct {
	Type string
}

func (ResultMessage) workerMessage()      {}
func (ChunkMessage) workerMessage()       {}
func (ErrorMessage) workerMessage()       {}
func (StreamEndedMessage) workerMessage() {}
func (HeartbeatAck) workerMessage()       {}
func (HelloMessage) workerMessage()       {}
func (UnknownMessage) workerMessage()     {}

type inboundFrame struct {
	Type    string `json:"type"`
	JobID   uint64 `json:"jobId"`
	Content string `json:"content"`
	Chunk   string `json:"chunk"`
	IsFinal bool   `json:"isFinal"`
	Error   string `json:"error"`
	Agent   string `json:"agent"`
	Version string `json:"version"`
}

// decodeWorkerMessage parses one frame. Only malformed JSON is an error;
// unrecognised tags come back as UnknownMessage.
func decodeWorkerMessage(data []byte) (WorkerMessage, error) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode worker message: %w", err)
	}
	switch f.Type {
	case msgResult:
		return ResultMessage{JobID: f.JobID, Content: f.Content}, nil
	case msgChunk:
		return ChunkMessage{JobID: f.JobID, Chunk: f.Chunk, IsFinal: f.IsFinal}, nil
	case msgError:
		return ErrorMessage{JobID: f.JobID, Error: f.Error}, nil
	case msgStreamEnded:
		return StreamEndedMessage{JobID: f.JobID}, nil
	case msgPong:
		return HeartbeatAck{}, nil
	case msgHello:
		return HelloMessage{Agent: f.Agent, Version: f.Version}, nil
	default:
		return UnknownMessage{Type: f.Type}, nil
	}
}

func messageType(m WorkerMessage) string {
	switch m.(type) {
	case ResultMessage:
		return msgResult
	case ChunkMessage:
		return msgChunk
	case ErrorMessage:
		return msgError
	case StreamEndedMessage:
		return msgStreamEnded
	case HeartbeatAck:
		return msgPong
	case HelloMessage:
		return msgHello
	default:
		return "unknown"
	}
}

// --- Routing ---

// outcomeRouter turns decoded worker messages into correlation table
// transitions. It never fails: anything that does not match an open entry
// for the sending worker is logged and dropped.
type outcomeRouter struct {
	table    *CorrelationTable
	registry *Registry
	// settle is told about terminal messages for jobs that are no longer
	// open, so a worker held after a timeout can be freed.
	settle func(workerID string, jobID uint64)
}

func (r *outcomeRouter) route(workerID string, msg WorkerMessage) {
	workerMessagesTotal.WithLabelValues(messageType(msg)).Inc()

	switch m := msg.(type) {
	case HeartbeatAck:
		r.registry.MarkAlive(workerID)
		return
	case HelloMessage:
		r.registry.setHello(workerID, m.Agent, m.Version)
		logInfo("worker hello", "worker", workerID, "agent", m.Agent, "version", m.Version)
		return
	case UnknownMessage:
		logWarn("unknown worker message ignored", "worker", workerID, "type", m.Type)
		return
	case StreamEndedMessage:
		r.streamEnded(workerID, m.JobID)
		return
	}

	jobID := jobIDOf(msg)
	if !r.owns(workerID, jobID) {
		if isTerminal(msg) && r.settle != nil {
			r.settle(workerID, jobID)
		}
		return
	}

	switch m := msg.(type) {
	case ResultMessage:
		r.table.Resolve(m.JobID, m.Content)
	case ChunkMessage:
		if m.IsFinal {
			r.table.ResolveChunked(m.JobID, m.Chunk)
		} else {
			r.table.AppendChunk(m.JobID, m.Chunk)
		}
	case ErrorMessage:
		r.table.Reject(m.JobID, workerReportedError(m.Error))
	}
}

// owns checks that jobID is open and correlated to workerID.
func (r *outcomeRouter) owns(workerID string, jobID uint64) bool {
	owner, open := r.table.Owner(jobID)
	if !open {
		if disp, ok := r.table.recentDisposition(jobID); ok {
			lateMessagesTotal.Inc()
			logInfo("late worker message discarded", "worker", workerID, "jobId", jobID, "disposition", disp)
		} else {
			logWarn("worker message for unknown job discarded", "worker", workerID, "jobId", jobID)
		}
		return false
	}
	if owner != workerID {
		logWarn("worker message for another worker's job discarded",
			"worker", workerID, "jobId", jobID, "owner", owner)
		return false
	}
	return true
}

// streamEnded never resolves or rejects. If the entry is still open the
// worker ended its stream without a final result; the job keeps waiting and
// will time out unless something else arrives.
func (r *outcomeRouter) streamEnded(workerID string, jobID uint64) {
	owner, open := r.table.Owner(jobID)
	switch {
	case !open:
		logDebug("stream ended", "worker", workerID, "jobId", jobID)
	case owner != workerID:
		logWarn("stream end for another worker's job discarded",
			"worker", workerID, "jobId", jobID, "owner", owner)
	default:
		logWarn("stream ended before a final result", "worker", workerID, "jobId", jobID)
	}
}

// isTerminal reports whether msg ends a job: a result, a final chunk or an
// error.
func isTerminal(m WorkerMessage) bool {
	switch m := m.(type) {
	case ResultMessage, ErrorMessage:
		return true
	case ChunkMessage:
		return m.IsFinal
	default:
		return false
	}
}

func jobIDOf(m WorkerMessage) uint64 {
	switch m := m.(type) {
	case ResultMessage:
		return m.JobID
	case ChunkMessage:
		return m.JobID
	case ErrorMessage:
		return m.JobID
	case StreamEndedMessage:
		return m.JobID
	default:
		return 0
	}
}
