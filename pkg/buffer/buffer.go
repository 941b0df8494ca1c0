// Package buffer provides page-aligned I/O buffers suitable for O_DIRECT.
package buffer

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Alignment required by unbuffered I/O.
const Alignment = 4096

var ErrAllocation = errors.New("aligned buffer allocation failed")

// Aligned is a fixed-size, 4096-byte aligned region owned by a single worker.
type Aligned struct {
	data []byte
}

// New maps an anonymous region of exactly size bytes. Anonymous mappings start
// on a page boundary, which is checked against Alignment.
func New(size int) (*Aligned, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: invalid size %d", ErrAllocation, size)
	}
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocation, err)
	}
	if uintptr(unsafe.Pointer(&data[0]))%Alignment != 0 {
		unix.Munmap(data)
		return nil, fmt.Errorf("%w: mapping not %d-byte aligned", ErrAllocation, Alignment)
	}
	return &Aligned{data: data}, nil
}

func (a *Aligned) Len() int { return len(a.data) }

// Bytes returns the whole region.
func (a *Aligned) Bytes() []byte { return a.data }

// Division returns the i-th of n equal sub-ranges. The last division absorbs
// any remainder when the size does not split evenly.
func (a *Aligned) Division(i, n int) []byte {
	lo, hi := divisionBounds(len(a.data), i, n)
	return a.data[lo:hi:hi]
}

// Stage copies msg into division i of n, truncating it or zero-padding the
// rest of the division. Other divisions are left untouched.
func (a *Aligned) Stage(i, n int, msg []byte) {
	div := a.Division(i, n)
	c := copy(div, msg)
	clear(div[c:])
}

func (a *Aligned) Close() error {
	if a.data == nil {
		return nil
	}
	err := unix.Munmap(a.data)
	a.data = nil
	return err
}

func divisionBounds(size, i, n int) (int, int) {
	if n <= 0 || i < 0 || i >= n {
		panic(fmt.Sprintf("buffer: division %d of %d out of range", i, n))
	}
	width := size / n
	lo := i * width
	hi := lo + width
	if i == n-1 {
		hi = size
	}
	return lo, hi
}

// DivisionWidth is the byte width of division i of n within size bytes.
func DivisionWidth(size, i, n int) int {
	lo, hi := divisionBounds(size, i, n)
	return hi - lo
}

// Pool holds one buffer per worker.
type Pool struct {
	bufs []*Aligned
}

// NewPool allocates count buffers of size bytes. On failure nothing is leaked.
func NewPool(count, size int) (*Pool, error) {
	p := &Pool{bufs: make([]*Aligned, 0, count)}
	for i := 0; i < count; i++ {
		b, err := New(size)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.bufs = append(p.bufs, b)
	}
	return p, nil
}

// Get returns the buffer owned by worker i.
func (p *Pool) Get(i int) *Aligned { return p.bufs[i] }

func (p *Pool) Len() int { return len(p.bufs) }

func (p *Pool) Close() error {
	var errs []error
	for _, b := range p.bufs {
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.bufs = nil
	return errors.Join(errs...)
}
