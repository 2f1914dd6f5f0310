//go:build windows

package main

import (
	"errors"
	"syscall"
)

// Detached daemon management relies on sessions and SIGTERM. Windows users
// run the server in the foreground with "ash server run".
const daemonSupported = false

func detachAttr() *syscall.SysProcAttr { return nil }

func processAlive(pid int) bool { return false }

func terminateProcess(pid int) error {
	return errors.New("server start/stop is not supported on windows")
}
