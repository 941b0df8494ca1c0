package agent

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pkt.systems/pslog"

	"github.com/runningwild/rawbench/pkg/engine"
)

func newTestServer(t *testing.T, path string) *httptest.Server {
	t.Helper()
	s, err := NewServer(path, pslog.NewStructured(io.Discard))
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func backingFile(t *testing.T) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "rawbench-agent")
	require.NoError(t, err)
	require.NoError(t, f.Truncate(1<<20))
	require.NoError(t, f.Close())
	return f.Name()
}

func postRun(t *testing.T, url string, p engine.Params) *http.Response {
	t.Helper()
	body, err := json.Marshal(p)
	require.NoError(t, err)
	resp, err := http.Post(url+"/run", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, "")
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRunOverridesPath(t *testing.T) {
	ts := newTestServer(t, backingFile(t))

	resp := postRun(t, ts.URL, engine.Params{
		Path:         "/dev/does-not-exist",
		PayloadBytes: 4096,
		Readers:      1,
		Writers:      1,
		Runtime:      100 * time.Millisecond,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res engine.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	require.Positive(t, res.TotalIOs())
	require.NotEmpty(t, res.Histogram)

	metrics, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	text, err := io.ReadAll(metrics.Body)
	require.NoError(t, err)
	require.Contains(t, string(text), "rawbench_ops_total")
}

func TestRunErrors(t *testing.T) {
	ts := newTestServer(t, "")

	resp, err := http.Get(ts.URL + "/run")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/run", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	bad := postRun(t, ts.URL, engine.Params{Path: "/dev/does-not-exist", PayloadBytes: 512, Readers: 1})
	require.Equal(t, http.StatusInternalServerError, bad.StatusCode)
}

func TestVerifyAccess(t *testing.T) {
	s, err := NewServer(backingFile(t), nil)
	require.NoError(t, err)
	require.NoError(t, s.VerifyAccess())

	s, err = NewServer("/dev/does-not-exist", nil)
	require.NoError(t, err)
	require.Error(t, s.VerifyAccess())
}
