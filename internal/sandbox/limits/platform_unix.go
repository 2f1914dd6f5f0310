//go:build !windows

package limits

import (
	"fmt"
	"os"
	"syscall"
)

// signalGroup delivers sig to the process group. Since sandboxes start with
// Setpgid, pid == pgid and -pid addresses the whole tree. Falls back to the
// single process if the group signal fails.
func signalGroup(pid int, sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return fmt.Errorf("unsupported signal type %T", sig)
	}
	if err := syscall.Kill(-pid, s); err != nil {
		return syscall.Kill(pid, s)
	}
	return nil
}
