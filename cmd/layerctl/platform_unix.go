//go:build unix

package main

import (
	"os/exec"
	"syscall"
	"time"
)

// detach starts the daemon in its own session so it outlives the CLI.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// stopProcess asks pid to terminate and kills it if it has not exited
// within timeout.
func stopProcess(pid int, timeout time.Duration) bool {
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return false
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(pid, 0); err != nil {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}

	syscall.Kill(pid, syscall.SIGKILL)
	return true
}
