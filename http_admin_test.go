package main

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode
}

func TestAdminStatus(t *testing.T) {
	r := newTestRelay(t, PolicyQueue, 0)
	_, ts := newTestServer(t, r, nil)
	w, ft := r.connect()
	r.registry.setHello(w.ID, "ext", "1.0")

	r.submit("a")
	r.submit("b")
	expectDispatch(t, ft)

	var st adminStatus
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/admin/status", &st))
	assert.Equal(t, PolicyQueue, st.Policy)
	assert.Equal(t, testJobTimeout.String(), st.Timeout)
	assert.Equal(t, 1, st.WorkersConnected)
	assert.Equal(t, 1, st.InFlight)
	assert.Equal(t, 1, st.Queued)
	require.Len(t, st.WorkerList, 1)
	assert.Equal(t, w.ID, st.WorkerList[0].ID)
	assert.Equal(t, uint64(1), st.WorkerList[0].InFlight)
	assert.Equal(t, relayVersion, st.Version)

	out := formatStatus("127.0.0.1:8766", st)
	assert.Contains(t, out, "1 in flight, 1 queued")
	assert.Contains(t, out, "busy (job 1)")
	assert.Contains(t, out, "[ext 1.0]")
}

func TestAdminActivity(t *testing.T) {
	r := newTestRelay(t, PolicyQueue, 0)
	_, ts := newTestServer(t, r, nil)
	r.submit("nobody home")

	var out struct {
		Entries []ActivityEntry `json:"entries"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/admin/activity", &out))
	require.Len(t, out.Entries, 1)
	assert.Equal(t, "failed", out.Entries[0].Event)
	assert.Equal(t, CodeNoWorker, out.Entries[0].Code)
}

func TestAdminSettings(t *testing.T) {
	r := newTestRelay(t, PolicyQueue, 0)
	_, ts := newTestServer(t, r, nil)

	var view settingsView
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/admin/settings", &view))
	assert.Equal(t, PolicyQueue, view.Policy)

	resp, err := http.Post(ts.URL+"/admin/settings", "application/json",
		strings.NewReader(`{"policy":"drop","timeout":"45s"}`))
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, PolicyDrop, view.Policy)
	assert.Equal(t, "45s", view.Timeout)

	s := r.dispatcher.Settings()
	assert.Equal(t, PolicyDrop, s.Policy)
	assert.Equal(t, 45*time.Second, s.Timeout)
}

func TestAdminSettings_Invalid(t *testing.T) {
	r := newTestRelay(t, PolicyQueue, 0)
	_, ts := newTestServer(t, r, nil)

	for _, body := range []string{
		`{"policy":"random"}`,
		`{"timeout":"soon"}`,
		`{"timeout":"-5s"}`,
		`not json`,
	} {
		resp, err := http.Post(ts.URL+"/admin/settings", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		assert.Equal(t, CodeInvalidRequest, decodeErrorBody(t, resp).Code)
	}
	assert.Equal(t, PolicyQueue, r.dispatcher.Settings().Policy)
}

func TestAdminSettings_AppliesToNextJob(t *testing.T) {
	r := newTestRelay(t, PolicyQueue, 0)
	_, ft := r.connect()

	d := 2 * time.Second
	_, err := r.dispatcher.UpdateSettings(nil, &d)
	require.NoError(t, err)

	j, _ := r.submit("p")
	expectDispatch(t, ft)
	r.clock.Add(2 * time.Second)
	requireRelayError(t, awaitOutcome(t, j).Err, ErrTimeout)
}

func TestHealthz(t *testing.T) {
	r := newTestRelay(t, PolicyQueue, 0)
	_, ts := newTestServer(t, r, nil)

	var h healthReport
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/healthz", &h))
	assert.Equal(t, "degraded", h.Status)
	assert.Equal(t, 0, h.Workers)

	r.connect()
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/healthz", &h))
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, 1, h.Workers)
	assert.Equal(t, relayVersion, h.Version)
}

func TestMetricsEndpoint(t *testing.T) {
	r := newTestRelay(t, PolicyQueue, 0)
	_, ts := newTestServer(t, r, nil)
	r.submit("p")

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	buf := new(strings.Builder)
	_, err = io.Copy(buf, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `chatrelay_admissions_total{decision="reject"}`)
	assert.Contains(t, buf.String(), "go_goroutines")
}
