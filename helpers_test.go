package main

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

const testWait = 2 * time.Second

// fakeTransport records what the relay sends to a worker.
type fakeTransport struct {
	mu      sync.Mutex
	sent    [][]byte
	closed  bool
	pings   int
	sendErr error
	pingErr error

	dispatched chan dispatchMessage
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{dispatched: make(chan dispatchMessage, 128)}
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errTransportClosed
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, data)
	var m dispatchMessage
	if err := json.Unmarshal(data, &m); err == nil {
		f.dispatched <- m
	}
	return nil
}

func (f *fakeTransport) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) RemoteAddr() string { return "127.0.0.1:50000" }

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

func (f *fakeTransport) failSends(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

// expectDispatch waits for the next dispatch frame sent to f.
func expectDispatch(t *testing.T, f *fakeTransport) dispatchMessage {
	t.Helper()
	select {
	case m := <-f.dispatched:
		return m
	case <-time.After(testWait):
		t.Fatal("no dispatch sent to worker")
		return dispatchMessage{}
	}
}

// expectNoDispatch checks that nothing was dispatched to f.
func expectNoDispatch(t *testing.T, f *fakeTransport) {
	t.Helper()
	select {
	case m := <-f.dispatched:
		t.Fatalf("unexpected dispatch of job %d", m.JobID)
	case <-time.After(50 * time.Millisecond):
	}
}

func awaitOutcome(t *testing.T, j *Job) Outcome {
	t.Helper()
	select {
	case o := <-j.Done():
		return o
	case <-time.After(testWait):
		t.Fatalf("job %d never finished", j.ID)
		return Outcome{}
	}
}

func requireRelayError(t *testing.T, err error, want *RelayError) {
	t.Helper()
	require.Error(t, err)
	require.True(t, errors.Is(err, want), "got %v, want code %s", err, want.Code)
}

// testRelay is the relay core without HTTP, driven by a mock clock.
type testRelay struct {
	clock      *clock.Mock
	registry   *Registry
	table      *CorrelationTable
	dispatcher *Dispatcher
	router     *outcomeRouter
}

const testJobTimeout = 10 * time.Second

func newTestRelay(t *testing.T, policy AdmissionPolicy, maxQueue int) *testRelay {
	t.Helper()
	clk := clock.NewMock()
	reg := newRegistry(clk, 1, 30*time.Second)
	table := newCorrelationTable(clk)
	d := newDispatcher(reg, table, clk, RelaySettings{Policy: policy, Timeout: testJobTimeout}, maxQueue, newActivityLog(50))
	return &testRelay{
		clock:      clk,
		registry:   reg,
		table:      table,
		dispatcher: d,
		router:     &outcomeRouter{table: table, registry: reg, settle: d.settleExpired},
	}
}

func (r *testRelay) connect() (*WorkerConn, *fakeTransport) {
	ft := newFakeTransport()
	return r.registry.Register(ft), ft
}

func (r *testRelay) submit(prompt string) (*Job, Decision) {
	j := newJob(prompt, ModelSettings{Model: defaultModelName}, "")
	return j, r.dispatcher.Submit(j)
}
