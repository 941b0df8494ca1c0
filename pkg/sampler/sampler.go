// Package sampler picks random, device-safe operation offsets.
package sampler

import (
	"math/rand"

	"github.com/runningwild/rawbench/pkg/device"
)

// Sampler is owned by a single worker and must not be shared.
type Sampler struct {
	r          *rand.Rand
	numOffsets int64
	minOpBytes int64
}

// New returns a sampler over desc's offset space. Equal seeds give equal sequences.
func New(desc device.Descriptor, seed int64) *Sampler {
	return &Sampler{
		r:          rand.New(rand.NewSource(seed)),
		numOffsets: desc.NumOffsets,
		minOpBytes: int64(desc.MinOpBytes),
	}
}

// Next returns a byte offset, a multiple of the min op size, in [0, NumOffsets*MinOpBytes).
func (s *Sampler) Next() int64 {
	return s.r.Int63n(s.numOffsets) * s.minOpBytes
}

// Block converts a sampled offset to its offset-block index.
func (s *Sampler) Block(offset int64) int64 {
	return offset / s.minOpBytes
}

// Division picks one of n divisions uniformly.
func (s *Sampler) Division(n int) int {
	return s.r.Intn(n)
}

// Seed derives a worker's seed from the run seed and its index.
func Seed(runSeed int64, worker int) int64 {
	return runSeed + int64(worker)
}
