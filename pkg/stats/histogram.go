package stats

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

var (
	ErrCapacityExceeded = errors.New("latency histogram capacity exceeded")
	ErrPercentileRange  = errors.New("percentile must be in (0, 100)")
)

const (
	// DefaultResolution quantizes latencies to hundredths of a millisecond.
	DefaultResolution = 10 * time.Microsecond
	// DefaultCapacity bounds the number of distinct quantized latencies.
	DefaultCapacity = 100000

	hdrMaxMicros = 3600000000 // 1 hour
)

// Bucket is one distinct quantized latency and how often it was seen.
type Bucket struct {
	Latency time.Duration `json:"latency"`
	Count   int64         `json:"count"`
}

// Recorder is a bounded-cardinality latency histogram shared by all workers.
// It keeps an hdrhistogram alongside the exact buckets for tail summaries.
type Recorder struct {
	mu         sync.Mutex
	resolution time.Duration
	capacity   int
	counts     map[int64]int64
	total      int64
	hdr        *hdrhistogram.Histogram
}

// NewRecorder returns an empty recorder. Non-positive arguments select the defaults.
func NewRecorder(resolution time.Duration, capacity int) *Recorder {
	if resolution <= 0 {
		resolution = DefaultResolution
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Recorder{
		resolution: resolution,
		capacity:   capacity,
		counts:     make(map[int64]int64),
		hdr:        hdrhistogram.New(1, hdrMaxMicros, 3),
	}
}

func (r *Recorder) Resolution() time.Duration { return r.resolution }

func (r *Recorder) quantize(d time.Duration) int64 {
	if d < 0 {
		d = 0
	}
	return int64((d + r.resolution/2) / r.resolution)
}

// Record counts one latency. It fails only when d quantizes to a value not yet
// seen and the histogram already holds its capacity of distinct values.
func (r *Recorder) Record(d time.Duration) error {
	return r.add(r.quantize(d), 1, d)
}

func (r *Recorder) add(q, n int64, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.counts[q]; !ok && len(r.counts) >= r.capacity {
		return fmt.Errorf("%w: %d distinct values at %v resolution, cannot add %v",
			ErrCapacityExceeded, r.capacity, r.resolution, time.Duration(q)*r.resolution)
	}
	r.counts[q] += n
	r.total += n
	// The shadow histogram tops out at an hour; slower ops land in its top bucket.
	_ = r.hdr.RecordValues(min(max(d.Microseconds(), 0), hdrMaxMicros), n)
	return nil
}

// Merge folds buckets from another recorder into r.
func (r *Recorder) Merge(buckets []Bucket) error {
	for _, b := range buckets {
		if b.Count <= 0 {
			continue
		}
		if err := r.add(r.quantize(b.Latency), b.Count, b.Latency); err != nil {
			return err
		}
	}
	return nil
}

// Total is the number of recorded latencies.
func (r *Recorder) Total() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Buckets returns the populated buckets in ascending latency order.
func (r *Recorder) Buckets() []Bucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedLocked()
}

func (r *Recorder) sortedLocked() []Bucket {
	buckets := make([]Bucket, 0, len(r.counts))
	for q, c := range r.counts {
		buckets = append(buckets, Bucket{Latency: time.Duration(q) * r.resolution, Count: c})
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].Latency < buckets[j].Latency
	})
	return buckets
}

// Percentile returns the smallest recorded latency at which the cumulative
// count reaches ceil(p*(total+1)/100). An empty recorder yields 0.
func (r *Recorder) Percentile(p float64) (time.Duration, error) {
	if !(p > 0 && p < 100) {
		return 0, fmt.Errorf("%w: %v", ErrPercentileRange, p)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.total == 0 {
		return 0, nil
	}

	threshold := int64(math.Ceil(p * float64(r.total+1) / 100))
	buckets := r.sortedLocked()
	var cum int64
	for _, b := range buckets {
		cum += b.Count
		if cum >= threshold {
			return b.Latency, nil
		}
	}
	return buckets[len(buckets)-1].Latency, nil
}

// Summary describes the shape of the distribution beyond the exact percentiles.
type Summary struct {
	Min  time.Duration `json:"min"`
	Max  time.Duration `json:"max"`
	Mean time.Duration `json:"mean"`
	P99  time.Duration `json:"p99"`
}

// Summary is computed from the hdr shadow histogram at microsecond precision.
func (r *Recorder) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hdr.TotalCount() == 0 {
		return Summary{}
	}
	return Summary{
		Min:  time.Duration(r.hdr.Min()) * time.Microsecond,
		Max:  time.Duration(r.hdr.Max()) * time.Microsecond,
		Mean: time.Duration(r.hdr.Mean() * float64(time.Microsecond)),
		P99:  time.Duration(r.hdr.ValueAtQuantile(99)) * time.Microsecond,
	}
}
