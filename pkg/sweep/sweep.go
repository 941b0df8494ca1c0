// Package sweep repeats a run at increasing worker counts to find where the
// device stops scaling.
package sweep

import (
	"context"
	"fmt"

	"pkt.systems/pslog"

	"github.com/runningwild/rawbench/pkg/analyze"
	"github.com/runningwild/rawbench/pkg/engine"
)

// Step is one run of the sweep.
type Step struct {
	Workers int            `json:"workers"`
	Result  *engine.Result `json:"result"`
}

// Report is the outcome of a whole sweep. Curve plots IOPS against workers.
type Report struct {
	Steps    []Step           `json:"steps"`
	Curve    []analyze.Point  `json:"curve"`
	Analysis analyze.Analysis `json:"analysis"`
}

type Sweeper struct {
	runner     engine.Runner
	readShare  int
	writeShare int
	detector   analyze.Detector
	logger     pslog.Logger
	progress   func(i, n int, s Step)
}

type Option func(*Sweeper)

// WithShares sets the reader:writer split applied at every worker count.
func WithShares(read, write int) Option {
	return func(s *Sweeper) { s.readShare, s.writeShare = read, write }
}

func WithDetector(d analyze.Detector) Option { return func(s *Sweeper) { s.detector = d } }

func WithLogger(l pslog.Logger) Option { return func(s *Sweeper) { s.logger = l } }

// WithProgress is called after each completed step.
func WithProgress(f func(i, n int, s Step)) Option { return func(s *Sweeper) { s.progress = f } }

// New returns a sweeper that runs every step through runner, local or remote.
func New(runner engine.Runner, opts ...Option) *Sweeper {
	s := &Sweeper{
		runner:     runner,
		readShare:  3,
		writeShare: 1,
		detector:   analyze.DefaultDetector,
		logger:     pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Counts expands an inclusive [lo, hi] range with the given step.
func Counts(lo, hi, step int) ([]int, error) {
	if lo < 1 || hi < lo {
		return nil, fmt.Errorf("invalid worker range %d..%d", lo, hi)
	}
	if step <= 0 {
		step = 1
	}
	var counts []int
	for i := lo; i <= hi; i += step {
		counts = append(counts, i)
	}
	return counts, nil
}

// Run executes base once per worker count, in order. Readers and Writers in
// base are replaced at each step. A failed step ends the sweep; a cancelled
// ctx ends it after the step in flight, keeping what was measured.
func (s *Sweeper) Run(ctx context.Context, base engine.Params, counts []int) (*Report, error) {
	if len(counts) == 0 {
		return nil, fmt.Errorf("no worker counts to sweep")
	}

	report := &Report{}
	for i, workers := range counts {
		p := base
		p.Readers, p.Writers = engine.SplitWorkers(workers, s.readShare, s.writeShare)

		res, err := s.runner.Run(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("sweep step %d (%d workers): %w", i+1, workers, err)
		}
		step := Step{Workers: workers, Result: res}
		report.Steps = append(report.Steps, step)
		report.Curve = append(report.Curve, analyze.Point{X: float64(workers), Y: res.IOPS})

		s.logger.Info("sweep.step",
			"workers", workers,
			"iops", res.IOPS,
			"p90", res.P90Latency.String(),
		)
		if s.progress != nil {
			s.progress(i+1, len(counts), step)
		}
		if ctx.Err() != nil {
			break
		}
	}

	report.Analysis = s.detector.Analyze(report.Curve)
	return report, nil
}
