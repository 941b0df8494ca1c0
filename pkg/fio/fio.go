// Package fio translates runs to and from fio, for cross-checking numbers.
package fio

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/runningwild/rawbench/pkg/engine"
)

// GenerateJob creates a fio job file that approximates params: a random mix at
// the same read/write worker ratio, one outstanding op per job.
func GenerateJob(p engine.Params) string {
	var sb strings.Builder

	sb.WriteString("[global]\n")

	switch p.EngineType {
	case "uring":
		sb.WriteString("ioengine=io_uring\n")
	case "libaio":
		sb.WriteString("ioengine=libaio\n")
	default:
		sb.WriteString("ioengine=psync\n")
	}

	fmt.Fprintf(&sb, "filename=%s\n", p.Path)
	fmt.Fprintf(&sb, "bs=%d\n", p.PayloadBytes)
	if p.Direct {
		sb.WriteString("direct=1\n")
	} else {
		sb.WriteString("direct=0\n")
	}

	workers := p.Readers + p.Writers
	switch {
	case p.Writers == 0:
		sb.WriteString("rw=randread\n")
	case p.Readers == 0:
		sb.WriteString("rw=randwrite\n")
	default:
		sb.WriteString("rw=randrw\n")
		fmt.Fprintf(&sb, "rwmixread=%d\n", p.Readers*100/workers)
	}
	if p.Seed != 0 {
		fmt.Fprintf(&sb, "randseed=%d\n", p.Seed)
	}

	fmt.Fprintf(&sb, "numjobs=%d\n", workers)
	sb.WriteString("iodepth=1\n")
	sb.WriteString("thread\n")
	if workers > 1 {
		sb.WriteString("group_reporting\n")
	}

	dur := p.Runtime
	if dur <= 0 {
		dur = engine.DefaultRuntime
	}
	sb.WriteString("time_based\n")
	fmt.Fprintf(&sb, "runtime=%ds\n", int(dur.Seconds()))

	sb.WriteString("\n[rawbench]\n")
	return sb.String()
}

// Structures for parsing fio JSON output
type FioOutput struct {
	Jobs        []FioJob `json:"jobs"`
	ClientStats []FioJob `json:"client_stats"`
}

type FioJob struct {
	Read  FioStats `json:"read"`
	Write FioStats `json:"write"`
}

type FioStats struct {
	IOPS     float64     `json:"iops"`
	TotalIOS int64       `json:"total_ios"`
	BwBytes  float64     `json:"bw_bytes"`
	ClatNs   FioLatStats `json:"clat_ns"` // Completion latency
}

type FioLatStats struct {
	Min        float64           `json:"min"`
	Max        float64           `json:"max"`
	Mean       float64           `json:"mean"`
	Percentile map[string]uint64 `json:"percentile"` // e.g. "99.000000": 1234
}

// ParseOutput converts fio's --output-format=json into a Result. Percentiles
// of mixed jobs are weighted by operation count, which is an approximation.
func ParseOutput(jsonData []byte, duration time.Duration) (*engine.Result, error) {
	var out FioOutput
	if err := json.Unmarshal(jsonData, &out); err != nil {
		return nil, err
	}

	jobs := out.Jobs
	if len(jobs) == 0 {
		jobs = out.ClientStats
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("fio output has no jobs")
	}

	res := &engine.Result{
		Duration:          duration,
		TerminationReason: "Timeout",
	}

	getPerc := func(m map[string]uint64, target string) float64 {
		return float64(m[target])
	}

	var weight, p50, p90, p99, mean float64
	for _, j := range jobs {
		res.Reads += j.Read.TotalIOS
		res.Writes += j.Write.TotalIOS
		res.ReadsPerSec += j.Read.IOPS
		res.WritesPerSec += j.Write.IOPS
		res.Throughput += j.Read.BwBytes + j.Write.BwBytes

		for _, s := range []FioStats{j.Read, j.Write} {
			if s.TotalIOS == 0 {
				continue
			}
			w := float64(s.TotalIOS)
			weight += w
			p50 += getPerc(s.ClatNs.Percentile, "50.000000") * w
			p90 += getPerc(s.ClatNs.Percentile, "90.000000") * w
			p99 += getPerc(s.ClatNs.Percentile, "99.000000") * w
			mean += s.ClatNs.Mean * w

			if lo := time.Duration(s.ClatNs.Min); res.Latency.Min == 0 || lo < res.Latency.Min {
				res.Latency.Min = lo
			}
			if hi := time.Duration(s.ClatNs.Max); hi > res.Latency.Max {
				res.Latency.Max = hi
			}
		}
	}
	res.IOPS = res.ReadsPerSec + res.WritesPerSec

	if weight > 0 {
		res.P50Latency = time.Duration(p50 / weight)
		res.P90Latency = time.Duration(p90 / weight)
		res.Latency.P99 = time.Duration(p99 / weight)
		res.Latency.Mean = time.Duration(mean / weight)
	}
	return res, nil
}
