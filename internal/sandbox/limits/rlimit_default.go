//go:build !linux && !windows

package limits

import (
	"syscall"

	"github.com/ashrun/ash/internal/common/logger"
)

// Only linux exposes prlimit(2) for an already-started pid. Other unixes
// run the process runtime fully best-effort with no caps enforced.
func applyRlimits(pid int, caps Caps, log *logger.Logger) Capabilities {
	return Capabilities{}
}

// maxRSSKB reports the child's peak resident set. BSD-derived systems count
// Maxrss in bytes.
func maxRSSKB(usage *syscall.Rusage) int64 {
	return usage.Maxrss / 1024
}
