//go:build linux

package limits

import "syscall"

func buildSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		// Own process group so signals reach the bridge's children too.
		Setpgid: true,
		// Reap the sandbox if the host process dies.
		Pdeathsig: syscall.SIGKILL,
	}
}
