package engine

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/runningwild/rawbench/pkg/device"
)

// Backend issues one exact-length positioned transfer at a time on the shared
// device descriptor. Each worker owns its backend.
type Backend interface {
	ReadAt(offset int64, length int, buf []byte) error
	WriteAt(offset int64, length int, buf []byte) error
	Close() error
}

// BackendFactory builds the backend a worker will use for the whole run.
type BackendFactory func(dev *device.Device, w Worker) (Backend, error)

// BackendFor maps an engine type to its factory.
func BackendFor(engineType string) (BackendFactory, error) {
	switch engineType {
	case "", "sync":
		return NewSyncBackend, nil
	case "uring":
		return NewUringBackend, nil
	case "libaio":
		return NewAIOBackend, nil
	}
	return nil, fmt.Errorf("unknown engine type %q (want sync, uring or libaio)", engineType)
}

// syncBackend issues pread/pwrite straight through the device adapter.
type syncBackend struct {
	dev *device.Device
}

func NewSyncBackend(dev *device.Device, _ Worker) (Backend, error) {
	return &syncBackend{dev: dev}, nil
}

func (b *syncBackend) ReadAt(offset int64, length int, buf []byte) error {
	return b.dev.ReadAt(offset, length, buf)
}

func (b *syncBackend) WriteAt(offset int64, length int, buf []byte) error {
	return b.dev.WriteAt(offset, length, buf)
}

func (b *syncBackend) Close() error { return nil }

func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EINTR) {
		return true
	}
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return sysErr.Err == syscall.EINTR
	}
	return false
}
