//go:build linux

package limits

import (
	"syscall"

	"github.com/ashrun/ash/internal/common/logger"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// applyRlimits caps the child's address space and process count via
// prlimit(2) on the already-started pid. Failures downgrade the capability
// instead of killing the spawn; strict mode is enforced a level up.
func applyRlimits(pid int, caps Caps, log *logger.Logger) Capabilities {
	out := Capabilities{}

	if caps.MemoryMB > 0 {
		bytes := uint64(caps.MemoryMB) << 20
		lim := unix.Rlimit{Cur: bytes, Max: bytes}
		if err := unix.Prlimit(pid, unix.RLIMIT_AS, &lim, nil); err != nil {
			log.Warn("failed to apply memory limit", zap.Int("pid", pid), zap.Error(err))
		} else {
			out.MemCapped = true
		}
	}

	if caps.MaxProcs > 0 {
		n := uint64(caps.MaxProcs)
		lim := unix.Rlimit{Cur: n, Max: n}
		if err := unix.Prlimit(pid, unix.RLIMIT_NPROC, &lim, nil); err != nil {
			log.Warn("failed to apply process limit", zap.Int("pid", pid), zap.Error(err))
		} else {
			out.ProcessCapped = true
		}
	}

	return out
}

// maxRSSKB reports the child's peak resident set. Linux counts Maxrss in
// kilobytes.
func maxRSSKB(usage *syscall.Rusage) int64 {
	return usage.Maxrss
}
