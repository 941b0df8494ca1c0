package cluster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runningwild/rawbench/pkg/agent"
	"github.com/runningwild/rawbench/pkg/engine"
	"github.com/runningwild/rawbench/pkg/stats"
)

// fakeAgent answers every run with a fixed histogram and remembers what it was asked.
type fakeAgent struct {
	mu      sync.Mutex
	got     []engine.Params
	buckets []stats.Bucket
	status  int
}

func (f *fakeAgent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var p engine.Params
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.got = append(f.got, p)
	f.mu.Unlock()
	if f.status != 0 {
		http.Error(w, "disk on fire", f.status)
		return
	}

	res := engine.Result{
		RunID:             "node",
		Duration:          time.Second,
		Histogram:         f.buckets,
		IOPS:              100,
		TerminationReason: "Timeout",
	}
	for _, b := range f.buckets {
		res.Reads += b.Count
	}
	json.NewEncoder(w).Encode(res)
}

func TestShare(t *testing.T) {
	require.Equal(t, 2, share(5, 3, 0))
	require.Equal(t, 2, share(5, 3, 1))
	require.Equal(t, 1, share(5, 3, 2))
	require.Equal(t, 0, share(1, 2, 1))
}

func TestRunMergesHistograms(t *testing.T) {
	fast := &fakeAgent{buckets: []stats.Bucket{{Latency: time.Millisecond, Count: 9}}}
	slow := &fakeAgent{buckets: []stats.Bucket{{Latency: 10 * time.Millisecond, Count: 9}}}
	s1 := httptest.NewServer(fast)
	defer s1.Close()
	s2 := httptest.NewServer(slow)
	defer s2.Close()

	c := New([]string{s1.URL, s2.URL}, nil)
	res, err := c.Run(context.Background(), engine.Params{
		Path:         "/dev/sdb",
		PayloadBytes: 4096,
		Readers:      3,
		Writers:      1,
		Runtime:      time.Second,
		Seed:         5,
	})
	require.NoError(t, err)

	require.Len(t, fast.got, 1)
	require.Len(t, slow.got, 1)
	require.Equal(t, 2, fast.got[0].Readers)
	require.Equal(t, 1, fast.got[0].Writers)
	require.Equal(t, 1, slow.got[0].Readers)
	require.Equal(t, 0, slow.got[0].Writers)
	require.NotEqual(t, fast.got[0].Seed, slow.got[0].Seed)

	require.Equal(t, int64(18), res.Reads)
	require.InDelta(t, 200.0, res.IOPS, 0.001)
	// 18 samples: threshold for p50 is ceil(9.5) = 10, past the fast node's 9.
	require.Equal(t, 10*time.Millisecond, res.P50Latency)
	require.Equal(t, 10*time.Millisecond, res.P90Latency)
	require.Equal(t, "Timeout", res.TerminationReason)
	require.Len(t, res.Histogram, 2)
}

func TestRunSkipsIdleNodes(t *testing.T) {
	busy := &fakeAgent{buckets: []stats.Bucket{{Latency: time.Millisecond, Count: 1}}}
	idle := &fakeAgent{}
	s1 := httptest.NewServer(busy)
	defer s1.Close()
	s2 := httptest.NewServer(idle)
	defer s2.Close()

	res, err := New([]string{s1.URL, s2.URL}, nil).Run(context.Background(), engine.Params{Readers: 1, PayloadBytes: 512, Path: "x"})
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Reads)
	require.Empty(t, idle.got)
}

func TestRunNodeFailure(t *testing.T) {
	ok := &fakeAgent{}
	broken := &fakeAgent{status: http.StatusInternalServerError}
	s1 := httptest.NewServer(ok)
	defer s1.Close()
	s2 := httptest.NewServer(broken)
	defer s2.Close()

	_, err := New([]string{s1.URL, s2.URL}, nil).Run(context.Background(), engine.Params{Readers: 2, PayloadBytes: 512, Path: "x"})
	require.ErrorContains(t, err, "disk on fire")

	_, err = New(nil, nil).Run(context.Background(), engine.Params{Readers: 1})
	require.Error(t, err)
}

func TestRunAgainstAgents(t *testing.T) {
	var urls []string
	for i := 0; i < 2; i++ {
		f, err := os.CreateTemp(t.TempDir(), "rawbench-cluster")
		require.NoError(t, err)
		require.NoError(t, f.Truncate(1<<20))
		require.NoError(t, f.Close())

		s, err := agent.NewServer(f.Name(), nil)
		require.NoError(t, err)
		ts := httptest.NewServer(s.Handler())
		defer ts.Close()
		urls = append(urls, ts.URL)
	}

	res, err := New(urls, nil).Run(context.Background(), engine.Params{
		PayloadBytes: 4096,
		Readers:      2,
		Writers:      2,
		Runtime:      100 * time.Millisecond,
	})
	require.NoError(t, err)
	require.Positive(t, res.Reads)
	require.Positive(t, res.Writes)
	require.LessOrEqual(t, res.P50Latency, res.P90Latency)
}
