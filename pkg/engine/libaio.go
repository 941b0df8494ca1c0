//go:build linux

package engine

import (
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/runningwild/rawbench/pkg/device"
)

// Constants for libaio
const (
	IOCB_CMD_PREAD  = 0
	IOCB_CMD_PWRITE = 1
)

// Kernel structures (Standard 64-bit layout for x86_64 and arm64)
type iocb struct {
	Data      uint64
	Key       uint32
	RwFlags   uint32
	OpCode    uint16
	ReqPrio   int16
	Fd        uint32
	Buf       uint64
	NBytes    uint64
	Offset    int64
	Reserved2 uint64
	Flags     uint32
	ResFd     uint32
}

type ioEvent struct {
	Data uint64
	Obj  uint64
	Res  int64
	Res2 int64
}

// aioBackend owns a one-slot kernel AIO context. Buffers come from the worker's
// mmap'd pool, so the addresses handed to the kernel never move.
type aioBackend struct {
	dev    *device.Device
	ctxID  uint64
	cb     iocb
	ptrs   [1]*iocb
	events [1]ioEvent
}

func NewAIOBackend(dev *device.Device, _ Worker) (Backend, error) {
	b := &aioBackend{dev: dev}
	if _, _, errno := unix.Syscall(unix.SYS_IO_SETUP, 1, uintptr(unsafe.Pointer(&b.ctxID)), 0); errno != 0 {
		return nil, fmt.Errorf("io_setup failed: %v", errno)
	}
	b.ptrs[0] = &b.cb
	return b, nil
}

func (b *aioBackend) ReadAt(offset int64, length int, buf []byte) error {
	if err := b.dev.CheckRange("read", offset, length, buf); err != nil {
		return err
	}
	return b.do("read", IOCB_CMD_PREAD, offset, length, buf)
}

func (b *aioBackend) WriteAt(offset int64, length int, buf []byte) error {
	if err := b.dev.CheckRange("write", offset, length, buf); err != nil {
		return err
	}
	return b.do("write", IOCB_CMD_PWRITE, offset, length, buf)
}

func (b *aioBackend) do(name string, opCode uint16, offset int64, length int, buf []byte) error {
	b.cb = iocb{
		OpCode: opCode,
		Fd:     uint32(b.dev.Fd()),
		Buf:    uint64(uintptr(unsafe.Pointer(&buf[0]))),
		NBytes: uint64(length),
		Offset: offset,
	}

	for {
		n, _, errno := unix.Syscall(unix.SYS_IO_SUBMIT, uintptr(b.ctxID), 1, uintptr(unsafe.Pointer(&b.ptrs[0])))
		if errno == syscall.EINTR {
			continue
		}
		if errno != 0 {
			return device.NewIOError(name, offset, length, 0, fmt.Errorf("io_submit: %w", errno))
		}
		if n != 1 {
			return device.NewIOError(name, offset, length, 0, fmt.Errorf("io_submit submitted %d < 1", n))
		}
		break
	}

	for {
		n, _, errno := unix.Syscall6(unix.SYS_IO_GETEVENTS, uintptr(b.ctxID), 1, 1, uintptr(unsafe.Pointer(&b.events[0])), 0, 0)
		if errno == syscall.EINTR {
			continue
		}
		if errno != 0 {
			return device.NewIOError(name, offset, length, 0, fmt.Errorf("io_getevents: %w", errno))
		}
		if n == 1 {
			break
		}
	}

	res := b.events[0].Res
	if res < 0 {
		return device.NewIOError(name, offset, length, 0, syscall.Errno(-res))
	}
	if int(res) != length {
		return device.NewIOError(name, offset, length, int(res), nil)
	}
	return nil
}

func (b *aioBackend) Close() error {
	if _, _, errno := unix.Syscall(unix.SYS_IO_DESTROY, uintptr(b.ctxID), 0, 0); errno != 0 {
		return fmt.Errorf("io_destroy failed: %v", errno)
	}
	return nil
}
