//go:build linux

package engine

import (
	"fmt"
	"syscall"

	"github.com/godzie44/go-uring/uring"

	"github.com/runningwild/rawbench/pkg/device"
)

// uringBackend drives a private single-entry io_uring per worker. Operations
// are still one at a time; the ring only changes the submission path.
type uringBackend struct {
	dev  *device.Device
	ring *uring.Ring
}

func NewUringBackend(dev *device.Device, _ Worker) (Backend, error) {
	ring, err := uring.New(1)
	if err != nil {
		return nil, fmt.Errorf("failed to setup io_uring: %v", err)
	}
	return &uringBackend{dev: dev, ring: ring}, nil
}

func (b *uringBackend) ReadAt(offset int64, length int, buf []byte) error {
	if err := b.dev.CheckRange("read", offset, length, buf); err != nil {
		return err
	}
	return b.do("read", uring.Read(b.dev.Fd(), buf[:length], uint64(offset)), offset, length)
}

func (b *uringBackend) WriteAt(offset int64, length int, buf []byte) error {
	if err := b.dev.CheckRange("write", offset, length, buf); err != nil {
		return err
	}
	return b.do("write", uring.Write(b.dev.Fd(), buf[:length], uint64(offset)), offset, length)
}

func (b *uringBackend) do(name string, op uring.Operation, offset int64, length int) error {
	if err := b.ring.QueueSQE(op, 0, 0); err != nil {
		return device.NewIOError(name, offset, length, 0, err)
	}

	for {
		_, err := b.ring.Submit()
		if err == nil {
			break
		}
		if !isEINTR(err) {
			return device.NewIOError(name, offset, length, 0, err)
		}
	}

	var (
		cqe *uring.CQEvent
		err error
	)
	for {
		cqe, err = b.ring.WaitCQEvents(1)
		if err == nil || !isEINTR(err) {
			break
		}
	}
	if err != nil {
		return device.NewIOError(name, offset, length, 0, err)
	}

	res := cqe.Res
	b.ring.SeenCQE(cqe)
	if res < 0 {
		return device.NewIOError(name, offset, length, 0, syscall.Errno(-res))
	}
	if int(res) != length {
		return device.NewIOError(name, offset, length, int(res), nil)
	}
	return nil
}

func (b *uringBackend) Close() error {
	return b.ring.Close()
}
