package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/runningwild/rawbench/pkg/device"
	"github.com/runningwild/rawbench/pkg/reserve"
	"github.com/runningwild/rawbench/pkg/stats"
)

// Runner executes a workload, locally or on remote agents.
type Runner interface {
	Run(ctx context.Context, params Params) (*Result, error)
}

// Result contains the metrics for a specific run.
type Result struct {
	RunID             string            `json:"run_id"`
	Device            device.Descriptor `json:"device"`
	Duration          time.Duration     `json:"duration"` // Start until the last worker exited
	Reads             int64             `json:"reads"`
	Writes            int64             `json:"writes"`
	IOPS              float64           `json:"iops"`
	ReadsPerSec       float64           `json:"reads_per_sec"`
	WritesPerSec      float64           `json:"writes_per_sec"`
	Throughput        float64           `json:"throughput"` // Bytes per second
	P50Latency        time.Duration     `json:"p50_latency"`
	P90Latency        time.Duration     `json:"p90_latency"`
	Latency           stats.Summary     `json:"latency"`
	IOErrors          int64             `json:"io_errors"`
	Conflicts         int64             `json:"conflicts"`       // Writer iterations abandoned on a claimed cell
	UnwrittenReads    int64             `json:"unwritten_reads"` // Reads of blocks no writer had claimed
	Discarded         int64             `json:"discarded"`       // Ops that completed after the deadline
	Histogram         []stats.Bucket    `json:"histogram,omitempty"`
	Reservations      []reserve.Cell    `json:"reservations,omitempty"`
	TerminationReason string            `json:"termination_reason"`
}

// TotalIOs is the number of counted operations.
func (r *Result) TotalIOs() int64 { return r.Reads + r.Writes }

// Params defines a workload.
type Params struct {
	EngineType        string        `json:"engine_type"` // "sync", "uring" or "libaio"
	Path              string        `json:"path"`        // Path to the device or backing file
	PayloadBytes      int           `json:"payload_bytes"`
	Direct            bool          `json:"direct"` // Use O_DIRECT
	Readers           int           `json:"readers"`
	Writers           int           `json:"writers"`
	Runtime           time.Duration `json:"runtime"`
	Iterations        int           `json:"iterations,omitempty"` // Per-worker loop limit, 0 for none
	Divisions         int           `json:"divisions"`
	Resolution        time.Duration `json:"resolution"`
	HistogramCapacity int           `json:"histogram_capacity"`
	Seed              int64         `json:"seed"`
	Message           string        `json:"message"`
	DumpReservations  bool          `json:"dump_reservations,omitempty"`

	Progress func(Result) `json:"-"`
}

const (
	DefaultRuntime = 10 * time.Second
	DefaultMessage = "rawbench"
)

func (p Params) withDefaults() Params {
	if p.EngineType == "" {
		p.EngineType = "sync"
	}
	if p.Runtime <= 0 {
		p.Runtime = DefaultRuntime
	}
	if p.Divisions <= 0 {
		p.Divisions = reserve.DefaultDivisions
	}
	if p.Resolution <= 0 {
		p.Resolution = stats.DefaultResolution
	}
	if p.HistogramCapacity <= 0 {
		p.HistogramCapacity = stats.DefaultCapacity
	}
	if p.Seed == 0 {
		p.Seed = time.Now().UnixNano()
	}
	if p.Message == "" {
		p.Message = DefaultMessage
	}
	return p
}

func (p Params) validate() error {
	if p.Path == "" {
		return fmt.Errorf("no device path")
	}
	if p.PayloadBytes <= 0 {
		return fmt.Errorf("invalid payload size: %d", p.PayloadBytes)
	}
	if p.Readers < 0 || p.Writers < 0 || p.Readers+p.Writers == 0 {
		return fmt.Errorf("invalid worker mix: %d readers, %d writers", p.Readers, p.Writers)
	}
	return nil
}

// SplitWorkers divides total workers by a readShare:writeShare ratio. Any
// rounding remainder goes to writers, so a single worker with a nonzero write
// share is a writer.
func SplitWorkers(total, readShare, writeShare int) (readers, writers int) {
	if total <= 0 {
		return 0, 0
	}
	if readShare < 0 {
		readShare = 0
	}
	if writeShare < 0 {
		writeShare = 0
	}
	if readShare+writeShare == 0 {
		return total, 0
	}
	readers = total * readShare / (readShare + writeShare)
	return readers, total - readers
}

// Role is what a worker does each iteration.
type Role int

const (
	Reader Role = iota
	Writer
)

func (r Role) String() string {
	if r == Writer {
		return "write"
	}
	return "read"
}

// Worker identifies one worker. It is handed to backend factories at spawn time.
type Worker struct {
	Role  Role
	Index int
}

// Clock is the time source for latency and the run deadline.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
