package device

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ncw/directio"

	"github.com/runningwild/rawbench/pkg/buffer"
)

// LargeBlockBytes is the granularity used when sizing a device. It is only a
// discovery unit; operations are sized by the minimum atomic op size.
const LargeBlockBytes = 128 * 1024

// Candidate minimum op sizes, probed in order at offset 0.
const (
	minProbeBytes = 512
	maxProbeBytes = 4096
)

var (
	ErrDeviceOpen = errors.New("device open failed")
	ErrGeometry   = errors.New("device geometry undiscoverable")
)

// Descriptor is the immutable geometry of one device as seen by a run.
type Descriptor struct {
	Name        string `json:"name"`
	TotalBytes  int64  `json:"total_bytes"`
	LargeBlocks int64  `json:"large_blocks"`
	MinOpBytes  int    `json:"min_op_bytes"`
	NumOffsets  int64  `json:"num_offsets"`
	OpBytes     int    `json:"op_bytes"`
}

// OpBlocks is the number of minimum-size blocks covered by one operation.
func (d Descriptor) OpBlocks() int64 {
	return int64(d.OpBytes / d.MinOpBytes)
}

// Compute derives a Descriptor from raw capacity, the discovered minimum op
// size and the requested payload. Everything is integer arithmetic.
func Compute(name string, totalBytes int64, minOpBytes, payloadBytes int) (Descriptor, error) {
	if minOpBytes <= 0 {
		return Descriptor{}, fmt.Errorf("%w: invalid min op size %d", ErrGeometry, minOpBytes)
	}
	if payloadBytes <= 0 {
		return Descriptor{}, fmt.Errorf("%w: invalid payload size %d", ErrGeometry, payloadBytes)
	}

	largeBlocks := totalBytes / LargeBlockBytes
	if largeBlocks <= 0 {
		return Descriptor{}, fmt.Errorf("%w: %s holds %d bytes, less than one %d-byte large block",
			ErrGeometry, name, totalBytes, LargeBlockBytes)
	}

	minOpBlocks := largeBlocks * LargeBlockBytes / int64(minOpBytes)
	opBlocks := (int64(payloadBytes) + int64(minOpBytes) - 1) / int64(minOpBytes)
	if opBlocks > minOpBlocks {
		return Descriptor{}, fmt.Errorf("%w: payload %d bytes exceeds device %s", ErrGeometry, payloadBytes, name)
	}

	return Descriptor{
		Name:        name,
		TotalBytes:  totalBytes,
		LargeBlocks: largeBlocks,
		MinOpBytes:  minOpBytes,
		NumOffsets:  minOpBlocks - opBlocks + 1,
		OpBytes:     int(opBlocks) * minOpBytes,
	}, nil
}

// Options controls how a device is opened.
type Options struct {
	PayloadBytes int  // Requested size of one benchmark operation
	Direct       bool // Open with O_DIRECT
}

// Device is an open raw device plus its geometry. The descriptor is shared by
// every worker; positioned reads and writes need no extra locking.
type Device struct {
	f    *os.File
	desc Descriptor
}

// Open opens name for read/write and resolves its geometry.
func Open(name string, opts Options) (*Device, error) {
	var (
		f   *os.File
		err error
	)
	if opts.Direct {
		f, err = directio.OpenFile(name, os.O_RDWR, 0666)
	} else {
		f, err = os.OpenFile(name, os.O_RDWR, 0666)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDeviceOpen, name, err)
	}

	desc, err := resolve(f, name, opts.PayloadBytes)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Device{f: f, desc: desc}, nil
}

func resolve(f *os.File, name string, payloadBytes int) (Descriptor, error) {
	size, err := capacity(f)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: capacity of %s: %w", ErrGeometry, name, err)
	}
	minOp, err := discoverMinOpBytes(f)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: %s: %w", ErrGeometry, name, err)
	}
	return Compute(name, size, minOp, payloadBytes)
}

// discoverMinOpBytes returns the smallest power-of-two read, from 512 up to
// 4096 bytes, that the device accepts at offset 0.
func discoverMinOpBytes(f *os.File) (int, error) {
	probe, err := buffer.New(maxProbeBytes)
	if err != nil {
		return 0, err
	}
	defer probe.Close()

	var lastErr error
	for size := minProbeBytes; size <= maxProbeBytes; size *= 2 {
		n, err := f.ReadAt(probe.Bytes()[:size], 0)
		if err == nil && n == size {
			return size, nil
		}
		lastErr = err
	}
	return 0, fmt.Errorf("no read between %d and %d bytes succeeded: %v", minProbeBytes, maxProbeBytes, lastErr)
}

// Descriptor returns the device geometry.
func (d *Device) Descriptor() Descriptor { return d.desc }

// Fd returns the raw descriptor shared by all workers.
func (d *Device) Fd() uintptr { return d.f.Fd() }

func (d *Device) Close() error { return d.f.Close() }

// sizeOf is the fallback capacity query, good for regular files.
func sizeOf(f *os.File) (int64, error) {
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	return size, nil
}
