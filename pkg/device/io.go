package device

import (
	"errors"
	"fmt"
	"io"
)

var (
	ErrIO      = errors.New("device I/O failed")
	ErrShortIO = errors.New("short transfer")
	ErrRange   = errors.New("outside device bounds")
)

// IOError describes one failed positioned transfer. Any bytes moved before
// the failure are not meaningful.
type IOError struct {
	Op     string
	Offset int64
	Length int
	N      int // Bytes actually transferred
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %d bytes at offset %d (moved %d): %v", e.Op, e.Length, e.Offset, e.N, e.Err)
}

func (e *IOError) Unwrap() []error {
	return []error{ErrIO, e.Err}
}

// NewIOError normalizes a transfer failure. A nil or EOF error means the
// transfer came up short.
func NewIOError(op string, offset int64, length, n int, err error) *IOError {
	if err == nil || errors.Is(err, io.EOF) {
		err = ErrShortIO
	}
	return &IOError{Op: op, Offset: offset, Length: length, N: n, Err: err}
}

// CheckRange validates that length bytes at offset fit on the device and in buf.
func (d *Device) CheckRange(op string, offset int64, length int, buf []byte) error {
	if length <= 0 || length > len(buf) {
		return &IOError{Op: op, Offset: offset, Length: length, Err: fmt.Errorf("%w: length %d, buffer %d", ErrRange, length, len(buf))}
	}
	if offset < 0 || offset+int64(length) > d.desc.TotalBytes {
		return &IOError{Op: op, Offset: offset, Length: length, Err: fmt.Errorf("%w: device holds %d bytes", ErrRange, d.desc.TotalBytes)}
	}
	return nil
}

// ReadAt reads exactly length bytes at offset into buf.
func (d *Device) ReadAt(offset int64, length int, buf []byte) error {
	if err := d.CheckRange("read", offset, length, buf); err != nil {
		return err
	}
	n, err := d.f.ReadAt(buf[:length], offset)
	if err != nil || n != length {
		return NewIOError("read", offset, length, n, err)
	}
	return nil
}

// WriteAt writes exactly length bytes from buf at offset.
func (d *Device) WriteAt(offset int64, length int, buf []byte) error {
	if err := d.CheckRange("write", offset, length, buf); err != nil {
		return err
	}
	n, err := d.f.WriteAt(buf[:length], offset)
	if err != nil || n != length {
		return NewIOError("write", offset, length, n, err)
	}
	return nil
}
