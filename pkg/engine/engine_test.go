package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runningwild/rawbench/pkg/device"
	"github.com/runningwild/rawbench/pkg/stats"
)

func backingFile(t *testing.T, size int64, fill byte) string {
	t.Helper()
	tmpFile, err := os.CreateTemp(t.TempDir(), "rawbench-engine")
	require.NoError(t, err)
	if fill == 0 {
		require.NoError(t, tmpFile.Truncate(size))
	} else {
		_, err = tmpFile.Write(bytes.Repeat([]byte{fill}, int(size)))
		require.NoError(t, err)
	}
	require.NoError(t, tmpFile.Close())
	return tmpFile.Name()
}

// stepClock only moves when a test advances it.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Unix(1700000000, 0)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) After(time.Duration) <-chan time.Time {
	return make(chan time.Time)
}

func (c *stepClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// turnstile makes one reader and one writer take strict turns, each counted
// op costing one millisecond of clock. A worker keeps the turn until it comes
// back for its next op, so every op completes at the time it advanced to.
type turnstile struct {
	mu     sync.Mutex
	cond   *sync.Cond
	clock  *stepClock
	turn   Role
	held   bool
	closed [2]bool
}

func newTurnstile(clock *stepClock) *turnstile {
	ts := &turnstile{clock: clock, turn: Reader}
	ts.cond = sync.NewCond(&ts.mu)
	return ts
}

func (ts *turnstile) take(role Role) {
	other := Writer
	if role == Writer {
		other = Reader
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.turn == role && ts.held {
		ts.turn, ts.held = other, false
		ts.cond.Broadcast()
	}
	for ts.turn != role && !ts.closed[other] {
		ts.cond.Wait()
	}
	ts.clock.advance(time.Millisecond)
	ts.turn, ts.held = role, true
}

func (ts *turnstile) leave(role Role) {
	ts.mu.Lock()
	ts.closed[role] = true
	ts.cond.Broadcast()
	ts.mu.Unlock()
}

type turnstileBackend struct {
	Backend
	ts   *turnstile
	role Role
}

func (b *turnstileBackend) ReadAt(offset int64, length int, buf []byte) error {
	err := b.Backend.ReadAt(offset, length, buf)
	if b.role == Reader {
		b.ts.take(Reader)
	}
	return err
}

func (b *turnstileBackend) WriteAt(offset int64, length int, buf []byte) error {
	err := b.Backend.WriteAt(offset, length, buf)
	b.ts.take(Writer)
	return err
}

func (b *turnstileBackend) Close() error {
	b.ts.leave(b.role)
	return b.Backend.Close()
}

func TestEngineRun(t *testing.T) {
	path := backingFile(t, 1<<20, 0)

	var progress int
	res, err := New().Run(context.Background(), Params{
		Path:         path,
		PayloadBytes: 4096,
		Readers:      2,
		Writers:      1,
		Runtime:      300 * time.Millisecond,
		Progress:     func(Result) { progress++ },
	})
	require.NoError(t, err)
	require.Equal(t, "Timeout", res.TerminationReason)
	require.NotEmpty(t, res.RunID)
	require.Equal(t, 4096, res.Device.OpBytes)
	require.Positive(t, res.TotalIOs())
	require.Positive(t, res.IOPS)
	require.Zero(t, res.IOErrors)
	require.LessOrEqual(t, res.P50Latency, res.P90Latency)
	require.Positive(t, progress)
	t.Logf("IOPS: %.0f, P50: %v, P90: %v", res.IOPS, res.P50Latency, res.P90Latency)
}

func TestEngineTurnstileCounts(t *testing.T) {
	path := backingFile(t, 1<<20, 0)
	clock := newStepClock()
	ts := newTurnstile(clock)

	factory := func(dev *device.Device, w Worker) (Backend, error) {
		inner, err := NewSyncBackend(dev, w)
		if err != nil {
			return nil, err
		}
		return &turnstileBackend{Backend: inner, ts: ts, role: w.Role}, nil
	}

	res, err := New(WithClock(clock), WithBackend(factory)).Run(context.Background(), Params{
		Path:         path,
		PayloadBytes: 512,
		Readers:      1,
		Writers:      1,
		Runtime:      time.Second,
		Seed:         7,
	})
	require.NoError(t, err)
	require.Equal(t, int64(2048), res.Device.NumOffsets)
	require.Equal(t, int64(500), res.Reads)
	require.Equal(t, int64(500), res.Writes)
	require.Equal(t, int64(1000), res.TotalIOs())
	require.Zero(t, res.IOErrors)
	require.Equal(t, "Timeout", res.TerminationReason)
	require.Equal(t, 2*time.Millisecond, res.P50Latency)
	require.Equal(t, 2*time.Millisecond, res.P90Latency)
	require.InDelta(t, 1000.0, res.IOPS, 0.001)
}

func TestEngineSingleOffsetContention(t *testing.T) {
	path := backingFile(t, device.LargeBlockBytes, 0)

	res, err := New().Run(context.Background(), Params{
		Path:             path,
		PayloadBytes:     device.LargeBlockBytes,
		Writers:          4,
		Runtime:          time.Minute,
		Iterations:       1000,
		Divisions:        4,
		Seed:             42,
		DumpReservations: true,
	})
	require.NoError(t, err)
	require.Equal(t, "Completed", res.TerminationReason)
	require.Equal(t, int64(1), res.Device.NumOffsets)
	require.Equal(t, int64(4), res.Writes)
	require.Equal(t, int64(3996), res.Conflicts)
	require.Len(t, res.Reservations, 4)

	// Every division carries exactly one writer's message; none was lost to a
	// concurrent read-modify-write of the same region.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	width := device.LargeBlockBytes / 4
	msg := regexp.MustCompile(`^rawbench@w[0-3]`)
	for div := 0; div < 4; div++ {
		part := data[div*width : (div+1)*width]
		loc := msg.FindIndex(part)
		require.NotNil(t, loc, "division %d", div)
		require.Equal(t, make([]byte, width-loc[1]), part[loc[1]:], "division %d", div)
	}
}

func TestEngineWriteRoundTrip(t *testing.T) {
	path := backingFile(t, 1<<20, 0xAA)

	res, err := New().Run(context.Background(), Params{
		Path:             path,
		PayloadBytes:     512,
		Writers:          1,
		Runtime:          time.Minute,
		Iterations:       1,
		Message:          "hello",
		DumpReservations: true,
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Writes)
	require.Len(t, res.Reservations, 1)

	cell := res.Reservations[0]
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	offset := int(cell.Block) * res.Device.MinOpBytes
	region := data[offset : offset+res.Device.OpBytes]
	width := res.Device.OpBytes / 4
	for div := 0; div < 4; div++ {
		part := region[div*width : (div+1)*width]
		if div != cell.Division {
			require.Equal(t, bytes.Repeat([]byte{0xAA}, width), part, "division %d", div)
			continue
		}
		want := make([]byte, width)
		copy(want, "hello@w0")
		require.Equal(t, want, part)
	}
}

func TestEngineCancel(t *testing.T) {
	path := backingFile(t, 1<<20, 0)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	res, err := New().Run(ctx, Params{
		Path:         path,
		PayloadBytes: 512,
		Readers:      1,
		Writers:      1,
		Runtime:      time.Minute,
	})
	require.NoError(t, err)
	require.Equal(t, "Cancelled", res.TerminationReason)
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestEngineUncancelledReason(t *testing.T) {
	path := backingFile(t, 1<<20, 0)
	eng := New()

	for i := 0; i < 50; i++ {
		res, err := eng.Run(context.Background(), Params{
			Path:         path,
			PayloadBytes: 512,
			Writers:      1,
			Runtime:      time.Minute,
			Iterations:   1,
		})
		require.NoError(t, err)
		require.Equal(t, "Completed", res.TerminationReason, "run %d", i)
	}
}

func TestEngineWorkersReachDeadline(t *testing.T) {
	path := backingFile(t, 1<<20, 0)
	clock := newStepClock()
	factory := func(dev *device.Device, w Worker) (Backend, error) {
		inner, err := NewSyncBackend(dev, w)
		if err != nil {
			return nil, err
		}
		return &slowingBackend{Backend: inner, clock: clock}, nil
	}

	// The step clock's After never fires, so only the workers' own deadline
	// check ends this run.
	res, err := New(WithClock(clock), WithBackend(factory)).Run(context.Background(), Params{
		Path:         path,
		PayloadBytes: 512,
		Readers:      1,
		Runtime:      time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, "Timeout", res.TerminationReason)
	require.Positive(t, res.Reads)
}

// slowingBackend takes one more millisecond per op than the last.
type slowingBackend struct {
	Backend
	clock *stepClock
	n     time.Duration
}

func (b *slowingBackend) ReadAt(offset int64, length int, buf []byte) error {
	b.n++
	b.clock.advance(b.n * time.Millisecond)
	return b.Backend.ReadAt(offset, length, buf)
}

func TestEngineHistogramFull(t *testing.T) {
	path := backingFile(t, 1<<20, 0)
	clock := newStepClock()
	factory := func(dev *device.Device, w Worker) (Backend, error) {
		inner, err := NewSyncBackend(dev, w)
		if err != nil {
			return nil, err
		}
		return &slowingBackend{Backend: inner, clock: clock}, nil
	}

	res, err := New(WithClock(clock), WithBackend(factory)).Run(context.Background(), Params{
		Path:              path,
		PayloadBytes:      512,
		Readers:           1,
		Runtime:           time.Hour,
		Resolution:        time.Millisecond,
		HistogramCapacity: 1,
	})
	require.ErrorIs(t, err, stats.ErrCapacityExceeded)
	require.Nil(t, res)
}

func TestEngineSetupErrors(t *testing.T) {
	path := backingFile(t, 1<<20, 0)
	eng := New()
	ctx := context.Background()

	_, err := eng.Run(ctx, Params{Path: path + ".missing", PayloadBytes: 512, Readers: 1})
	require.ErrorIs(t, err, device.ErrDeviceOpen)

	_, err = eng.Run(ctx, Params{Path: path, PayloadBytes: 2 << 20, Readers: 1})
	require.ErrorIs(t, err, device.ErrGeometry)

	_, err = eng.Run(ctx, Params{Path: path, PayloadBytes: 512})
	require.Error(t, err)

	_, err = eng.Run(ctx, Params{Path: path, PayloadBytes: 512, Readers: 1, EngineType: "spdk"})
	require.Error(t, err)

	boom := errors.New("no backend")
	failing := New(WithBackend(func(*device.Device, Worker) (Backend, error) { return nil, boom }))
	_, err = failing.Run(ctx, Params{Path: path, PayloadBytes: 512, Readers: 1})
	require.ErrorIs(t, err, boom)
}

func TestSplitWorkers(t *testing.T) {
	tests := []struct {
		total, read, write int
		readers, writers   int
	}{
		{4, 3, 1, 3, 1},
		{1, 3, 1, 0, 1},
		{2, 3, 1, 1, 1},
		{8, 1, 1, 4, 4},
		{5, 0, 1, 0, 5},
		{5, 1, 0, 5, 0},
		{3, 0, 0, 3, 0},
		{0, 3, 1, 0, 0},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_%d:%d", tt.total, tt.read, tt.write), func(t *testing.T) {
			r, w := SplitWorkers(tt.total, tt.read, tt.write)
			require.Equal(t, tt.readers, r)
			require.Equal(t, tt.writers, w)
		})
	}
}

func TestEngineBackends(t *testing.T) {
	path := backingFile(t, 4<<20, 0)
	for _, engineType := range []string{"sync", "uring", "libaio"} {
		t.Run(engineType, func(t *testing.T) {
			factory, err := BackendFor(engineType)
			require.NoError(t, err)

			dev, err := device.Open(path, device.Options{PayloadBytes: 4096})
			require.NoError(t, err)
			b, err := factory(dev, Worker{Role: Writer})
			if err != nil {
				dev.Close()
				t.Skipf("%s unavailable: %v", engineType, err)
			}
			b.Close()
			dev.Close()

			res, err := New().Run(context.Background(), Params{
				EngineType:   engineType,
				Path:         path,
				PayloadBytes: 4096,
				Readers:      2,
				Writers:      2,
				Runtime:      200 * time.Millisecond,
			})
			require.NoError(t, err)
			require.Positive(t, res.TotalIOs())
			require.Zero(t, res.IOErrors)
		})
	}
}
