package stats

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCountsSumToRecords(t *testing.T) {
	r := NewRecorder(time.Millisecond, 1000)
	rng := rand.New(rand.NewSource(1))

	const n = 10000
	for i := 0; i < n; i++ {
		require.NoError(t, r.Record(time.Duration(rng.Intn(200))*time.Millisecond))
	}

	var sum int64
	for _, b := range r.Buckets() {
		sum += b.Count
	}
	require.Equal(t, int64(n), sum)
	require.Equal(t, int64(n), r.Total())
}

func TestConcurrentRecord(t *testing.T) {
	r := NewRecorder(time.Millisecond, 100)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				_ = r.Record(time.Duration(i%50) * time.Millisecond)
			}
		}(w)
	}
	wg.Wait()
	require.Equal(t, int64(8000), r.Total())
}

func TestPercentileOrderingAndRange(t *testing.T) {
	r := NewRecorder(10*time.Microsecond, 0)
	rng := rand.New(rand.NewSource(2))

	lo, hi := time.Hour, time.Duration(0)
	for i := 0; i < 5000; i++ {
		d := time.Duration(100+rng.Intn(5000)) * time.Microsecond
		require.NoError(t, r.Record(d))
		if d < lo {
			lo = d
		}
		if d > hi {
			hi = d
		}
	}

	p50, err := r.Percentile(50)
	require.NoError(t, err)
	p90, err := r.Percentile(90)
	require.NoError(t, err)

	require.LessOrEqual(t, p50, p90)
	require.GreaterOrEqual(t, p50, lo)
	require.LessOrEqual(t, p90, hi)
}

func TestPercentileCutPoints(t *testing.T) {
	r := NewRecorder(time.Millisecond, 10)
	// 1ms x5, 2ms x3, 10ms x2: total 10
	for i := 0; i < 5; i++ {
		require.NoError(t, r.Record(time.Millisecond))
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Record(2*time.Millisecond))
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, r.Record(10*time.Millisecond))
	}

	// ceil(50*11/100)=6 -> 2ms
	p50, err := r.Percentile(50)
	require.NoError(t, err)
	require.Equal(t, 2*time.Millisecond, p50)

	// ceil(90*11/100)=10 -> 10ms
	p90, err := r.Percentile(90)
	require.NoError(t, err)
	require.Equal(t, 10*time.Millisecond, p90)

	// ceil(99.9*11/100)=11 > total, clamps to max
	top, err := r.Percentile(99.9)
	require.NoError(t, err)
	require.Equal(t, 10*time.Millisecond, top)
}

func TestPercentileEdges(t *testing.T) {
	r := NewRecorder(time.Millisecond, 10)
	v, err := r.Percentile(50)
	require.NoError(t, err)
	require.Zero(t, v)

	_, err = r.Percentile(0)
	require.ErrorIs(t, err, ErrPercentileRange)
	_, err = r.Percentile(100)
	require.ErrorIs(t, err, ErrPercentileRange)
}

func TestCapacityExceeded(t *testing.T) {
	r := NewRecorder(time.Millisecond, 10)
	for i := 1; i <= 10; i++ {
		require.NoError(t, r.Record(time.Duration(i)*time.Millisecond))
	}
	// Repeats of known values still fit.
	require.NoError(t, r.Record(5*time.Millisecond))

	err := r.Record(11 * time.Millisecond)
	require.ErrorIs(t, err, ErrCapacityExceeded)
	require.Equal(t, int64(11), r.Total())
}

func TestQuantization(t *testing.T) {
	r := NewRecorder(time.Millisecond, 10)
	require.NoError(t, r.Record(1400*time.Microsecond))
	require.NoError(t, r.Record(600*time.Microsecond))
	require.NoError(t, r.Record(1600*time.Microsecond))

	require.Equal(t, []Bucket{
		{Latency: time.Millisecond, Count: 2},
		{Latency: 2 * time.Millisecond, Count: 1},
	}, r.Buckets())
}

func TestMerge(t *testing.T) {
	a := NewRecorder(time.Millisecond, 10)
	b := NewRecorder(time.Millisecond, 10)
	require.NoError(t, a.Record(time.Millisecond))
	require.NoError(t, b.Record(time.Millisecond))
	require.NoError(t, b.Record(3*time.Millisecond))

	require.NoError(t, a.Merge(b.Buckets()))
	require.Equal(t, int64(3), a.Total())
	require.Equal(t, []Bucket{
		{Latency: time.Millisecond, Count: 2},
		{Latency: 3 * time.Millisecond, Count: 1},
	}, a.Buckets())

	s := a.Summary()
	require.Equal(t, time.Millisecond, s.Min)
	require.InDelta(t, float64(3*time.Millisecond), float64(s.Max), float64(10*time.Microsecond))
}

func TestSummaryClampsBeyondShadowRange(t *testing.T) {
	r := NewRecorder(time.Second, 0)
	require.NoError(t, r.Record(time.Millisecond))
	require.NoError(t, r.Record(2*time.Hour))

	require.Equal(t, int64(2), r.Total())
	s := r.Summary()
	require.Equal(t, time.Millisecond, s.Min)
	require.InDelta(t, float64(time.Hour), float64(s.Max), float64(time.Hour)/100)
}
