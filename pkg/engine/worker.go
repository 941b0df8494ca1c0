package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"github.com/runningwild/rawbench/pkg/buffer"
	"github.com/runningwild/rawbench/pkg/device"
	"github.com/runningwild/rawbench/pkg/metrics"
	"github.com/runningwild/rawbench/pkg/reserve"
	"github.com/runningwild/rawbench/pkg/sampler"
	"github.com/runningwild/rawbench/pkg/stats"
)

// Writers read-modify-write a whole op region under striped locks. Stripes are
// keyed by op-sized units of the device, so any two regions that overlap share
// at least one stripe and their divisions can't clobber each other.
const regionStripes = 256

// run is the state shared by every worker of one run.
type run struct {
	id         string
	desc       device.Descriptor
	divisions  int
	iterations int
	table      *reserve.Table
	rec        *stats.Recorder
	clock      Clock
	logger     pslog.Logger
	metrics    *metrics.Metrics
	regions    [regionStripes]sync.Mutex

	running  atomic.Bool
	start    time.Time
	deadline time.Time

	live      atomic.Int32
	reads     atomic.Int64
	writes    atomic.Int64
	ioErrors  atomic.Int64
	conflicts atomic.Int64
	unwritten atomic.Int64
	discarded atomic.Int64
}

func (r *run) begin(start time.Time, runtime time.Duration) {
	r.start = start
	r.deadline = start.Add(runtime)
	r.running.Store(true)
}

func (r *run) stop() {
	r.running.Store(false)
}

// active reports whether workers should start another iteration.
func (r *run) active() bool {
	if !r.running.Load() {
		return false
	}
	if r.clock.Now().Before(r.deadline) {
		return true
	}
	r.stop()
	return false
}

type worker struct {
	Worker
	run     *run
	buf     *buffer.Aligned
	io      Backend
	sampler *sampler.Sampler
	payload []byte
	ops     int64 // Issued ops, used to identify failures in logs
}

func (w *worker) loop() error {
	r := w.run
	r.metrics.SetLive(int(r.live.Add(1)))
	defer func() {
		if err := w.io.Close(); err != nil {
			r.logger.Warn("engine.backend.close", "worker", w.Index, "error", err)
		}
		r.metrics.SetLive(int(r.live.Add(-1)))
	}()

	for i := 0; r.active(); i++ {
		if r.iterations > 0 && i >= r.iterations {
			break
		}
		var err error
		if w.Role == Writer {
			err = w.write()
		} else {
			err = w.read()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (w *worker) read() error {
	r := w.run
	offset := w.sampler.Next()
	if r.table.BlockFree(w.sampler.Block(offset)) {
		r.unwritten.Add(1)
		r.logger.Debug("engine.read.unwritten", "worker", w.Index, "offset", offset)
	}

	start := r.clock.Now()
	err := w.io.ReadAt(offset, r.desc.OpBytes, w.buf.Bytes())
	w.ops++
	if err != nil {
		w.failed(offset, err)
		return nil
	}
	return w.complete(start)
}

func (w *worker) write() error {
	r := w.run
	offset := w.sampler.Next()
	block := w.sampler.Block(offset)
	div := w.sampler.Division(r.divisions)
	if !r.table.TryClaim(block, div) {
		r.conflicts.Add(1)
		r.metrics.Conflict()
		return nil
	}

	lo, hi := r.lockRegion(block)
	start := r.clock.Now()
	err := w.io.ReadAt(offset, r.desc.OpBytes, w.buf.Bytes())
	if err == nil {
		w.buf.Stage(div, r.divisions, w.payload)
		err = w.io.WriteAt(offset, r.desc.OpBytes, w.buf.Bytes())
	}
	r.unlockRegion(lo, hi)
	w.ops++

	if err != nil {
		// Nothing reached the device, so the region stays unwritten.
		r.table.Clear(block, div)
		w.failed(offset, err)
		return nil
	}
	return w.complete(start)
}

// stripes returns the stripe indexes, in locking order, covering the op that
// starts at block. An op spans at most two op-sized units.
func (r *run) stripes(block int64) (lo, hi int) {
	n := r.desc.OpBlocks()
	lo = int((block / n) % regionStripes)
	hi = int(((block + n - 1) / n) % regionStripes)
	if hi < lo {
		lo, hi = hi, lo
	}
	return lo, hi
}

// lockRegion takes every stripe the op at block touches. Stripes are always
// taken in ascending order.
func (r *run) lockRegion(block int64) (lo, hi int) {
	lo, hi = r.stripes(block)
	r.regions[lo].Lock()
	if hi != lo {
		r.regions[hi].Lock()
	}
	return lo, hi
}

func (r *run) unlockRegion(lo, hi int) {
	if hi != lo {
		r.regions[hi].Unlock()
	}
	r.regions[lo].Unlock()
}

// complete counts an op that finished inside the run window. Only a full
// histogram makes it fail.
func (w *worker) complete(start time.Time) error {
	r := w.run
	end := r.clock.Now()
	if end.After(r.deadline) {
		r.discarded.Add(1)
		return nil
	}

	latency := end.Sub(start)
	if err := r.rec.Record(latency); err != nil {
		return err
	}
	if w.Role == Writer {
		r.writes.Add(1)
	} else {
		r.reads.Add(1)
	}
	r.metrics.Op(w.Role.String(), latency)
	return nil
}

func (w *worker) failed(offset int64, err error) {
	r := w.run
	r.ioErrors.Add(1)
	r.metrics.IOError(w.Role.String())
	r.logger.Warn("engine.io.error",
		"role", w.Role.String(),
		"worker", w.Index,
		"op", w.ops,
		"offset", offset,
		"error", err,
	)
}
