package engine

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"

	"github.com/runningwild/rawbench/pkg/buffer"
	"github.com/runningwild/rawbench/pkg/device"
	"github.com/runningwild/rawbench/pkg/metrics"
	"github.com/runningwild/rawbench/pkg/reserve"
	"github.com/runningwild/rawbench/pkg/sampler"
	"github.com/runningwild/rawbench/pkg/stats"
)

const monitorInterval = 100 * time.Millisecond

// Engine manages the execution of I/O workloads against one device at a time.
type Engine struct {
	backend BackendFactory // Overrides Params.EngineType when set
	clock   Clock
	logger  pslog.Logger
	metrics *metrics.Metrics
}

type Option func(*Engine)

// WithBackend replaces the backend chosen by Params.EngineType.
func WithBackend(f BackendFactory) Option { return func(e *Engine) { e.backend = f } }

func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

func WithLogger(l pslog.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

func New(opts ...Option) *Engine {
	e := &Engine{
		clock:  realClock{},
		logger: pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run resolves the device, runs readers and writers until the runtime
// elapses, the iteration limit is hit or ctx is cancelled, and reports.
// Setup failures and a full latency histogram return an error and no result.
func (e *Engine) Run(ctx context.Context, params Params) (*Result, error) {
	params = params.withDefaults()
	if err := params.validate(); err != nil {
		return nil, err
	}

	newBackend := e.backend
	if newBackend == nil {
		var err error
		if newBackend, err = BackendFor(params.EngineType); err != nil {
			return nil, err
		}
	}

	// 1. Geometry
	dev, err := device.Open(params.Path, device.Options{PayloadBytes: params.PayloadBytes, Direct: params.Direct})
	if err != nil {
		return nil, err
	}
	defer dev.Close()
	desc := dev.Descriptor()

	// 2. Shared state
	numWorkers := params.Readers + params.Writers
	bufs, err := buffer.NewPool(numWorkers, desc.OpBytes)
	if err != nil {
		return nil, err
	}
	defer bufs.Close()

	table, err := reserve.New(desc.NumOffsets, params.Divisions)
	if err != nil {
		return nil, err
	}

	r := &run{
		id:         xid.New().String(),
		desc:       desc,
		divisions:  params.Divisions,
		iterations: params.Iterations,
		table:      table,
		rec:        stats.NewRecorder(params.Resolution, params.HistogramCapacity),
		clock:      e.clock,
		metrics:    e.metrics,
	}
	r.logger = e.logger.With("run", r.id)

	// 3. Workers, readers first. Backends are built up front so that a setup
	// failure aborts before any I/O is issued.
	workers := make([]*worker, 0, numWorkers)
	for i := 0; i < numWorkers; i++ {
		w := &worker{
			Worker:  Worker{Role: Reader, Index: i},
			run:     r,
			buf:     bufs.Get(i),
			sampler: sampler.New(desc, sampler.Seed(params.Seed, i)),
		}
		if i >= params.Readers {
			w.Role = Writer
			w.payload = []byte(fmt.Sprintf("%s@w%d", params.Message, i))
		}
		if w.io, err = newBackend(dev, w.Worker); err != nil {
			for _, prev := range workers {
				prev.io.Close()
			}
			return nil, fmt.Errorf("worker %d backend: %w", i, err)
		}
		workers = append(workers, w)
	}

	r.logger.Info("engine.run.start",
		"device", desc.Name,
		"engine", params.EngineType,
		"op_bytes", desc.OpBytes,
		"min_op_bytes", desc.MinOpBytes,
		"offsets", desc.NumOffsets,
		"readers", params.Readers,
		"writers", params.Writers,
		"runtime", params.Runtime.String(),
		"seed", params.Seed,
	)

	r.begin(e.clock.Now(), params.Runtime)

	// A failed worker stops the others through the running flag. The group
	// has no context of its own: only the caller's ctx means Cancelled.
	var g errgroup.Group
	for _, w := range workers {
		g.Go(func() error {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			err := w.loop()
			if err != nil {
				r.stop()
			}
			return err
		})
	}
	workersDone := make(chan error, 1)
	go func() { workersDone <- g.Wait() }()

	// 4. Monitoring Loop
	monitorTicker := time.NewTicker(monitorInterval)
	defer monitorTicker.Stop()

	deadline := e.clock.After(params.Runtime)
	cancelled := ctx.Done()
	var (
		reason    string
		workerErr error
		lastOps   int64
		lastTime  = time.Now()
	)

Monitor:
	for {
		select {
		case <-monitorTicker.C:
			now := time.Now()
			ops := r.reads.Load() + r.writes.Load()
			if params.Progress != nil {
				iops := 0.0
				if dt := now.Sub(lastTime).Seconds(); dt > 0 {
					iops = float64(ops-lastOps) / dt
				}
				params.Progress(Result{
					RunID:     r.id,
					Duration:  e.clock.Now().Sub(r.start),
					Reads:     r.reads.Load(),
					Writes:    r.writes.Load(),
					IOPS:      iops, // instantaneous
					IOErrors:  r.ioErrors.Load(),
					Conflicts: r.conflicts.Load(),
				})
			}
			lastOps, lastTime = ops, now
		case <-deadline:
			deadline = nil
			if reason == "" {
				reason = "Timeout"
			}
			r.stop()
		case <-cancelled:
			cancelled = nil
			if reason == "" {
				reason = "Cancelled"
			}
			r.stop()
		case workerErr = <-workersDone:
			break Monitor
		}
	}

	if workerErr != nil {
		r.logger.Error("engine.run.failed", "error", workerErr)
		return nil, workerErr
	}
	if reason == "" {
		reason = "Completed"
		if !e.clock.Now().Before(r.deadline) {
			reason = "Timeout"
		}
	}

	res, err := r.result(e.clock.Now(), params)
	if err != nil {
		return nil, err
	}
	res.TerminationReason = reason
	if params.DumpReservations {
		res.Reservations = table.Claimed()
	}

	r.logger.Info("engine.run.done",
		"reason", reason,
		"reads", res.Reads,
		"writes", res.Writes,
		"io_errors", res.IOErrors,
		"conflicts", res.Conflicts,
		"p50", res.P50Latency.String(),
		"p90", res.P90Latency.String(),
	)
	return res, nil
}

func (r *run) result(end time.Time, params Params) (*Result, error) {
	elapsed := end.Sub(r.start)
	window := elapsed
	if window > params.Runtime {
		window = params.Runtime
	}

	p50, err := r.rec.Percentile(50)
	if err != nil {
		return nil, err
	}
	p90, err := r.rec.Percentile(90)
	if err != nil {
		return nil, err
	}

	res := &Result{
		RunID:          r.id,
		Device:         r.desc,
		Duration:       elapsed,
		Reads:          r.reads.Load(),
		Writes:         r.writes.Load(),
		P50Latency:     p50,
		P90Latency:     p90,
		Latency:        r.rec.Summary(),
		IOErrors:       r.ioErrors.Load(),
		Conflicts:      r.conflicts.Load(),
		UnwrittenReads: r.unwritten.Load(),
		Discarded:      r.discarded.Load(),
		Histogram:      r.rec.Buckets(),
	}
	if secs := window.Seconds(); secs > 0 {
		res.ReadsPerSec = float64(res.Reads) / secs
		res.WritesPerSec = float64(res.Writes) / secs
		res.IOPS = float64(res.TotalIOs()) / secs
		res.Throughput = float64(res.TotalIOs()*int64(r.desc.OpBytes)) / secs
	}
	return res, nil
}
