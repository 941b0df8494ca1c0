package device

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// capacity asks the kernel for the byte size of a block device and falls back
// to seeking for anything else.
func capacity(f *os.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if info.Mode()&os.ModeDevice == 0 {
		return sizeOf(f)
	}

	var size uint64
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size))); errno != 0 {
		return 0, errno
	}
	return int64(size), nil
}
