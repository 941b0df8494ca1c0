//go:build !linux

package engine

import (
	"fmt"

	"github.com/runningwild/rawbench/pkg/device"
)

func NewUringBackend(*device.Device, Worker) (Backend, error) {
	return nil, fmt.Errorf("uring engine is only supported on Linux")
}

func NewAIOBackend(*device.Device, Worker) (Backend, error) {
	return nil, fmt.Errorf("libaio engine is only supported on Linux")
}
