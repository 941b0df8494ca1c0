package device

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Scheduler modes accepted by SetScheduler. Legacy single-queue kernels know
// noop and cfq, blk-mq kernels none, mq-deadline, bfq and kyber.
var SchedulerModes = []string{"noop", "cfq", "none", "mq-deadline", "bfq", "kyber"}

var sysBlockRoot = "/sys/block"

// SetScheduler selects the kernel I/O scheduler for the device at path.
func SetScheduler(path, mode string) error {
	known := false
	for _, m := range SchedulerModes {
		if m == mode {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown scheduler mode %q (want one of %s)", mode, strings.Join(SchedulerModes, ", "))
	}

	file := filepath.Join(sysBlockRoot, filepath.Base(path), "queue", "scheduler")
	if err := os.WriteFile(file, []byte(mode), 0644); err != nil {
		return fmt.Errorf("writing %s to %s: %w", mode, file, err)
	}
	return nil
}
