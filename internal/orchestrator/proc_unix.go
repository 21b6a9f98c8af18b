//go:build !windows

package orchestrator

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// detachProcess configures the command to run in its own session, detached
// from the controlling terminal, so the daemon's signals do not reach it.
func detachProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// terminatePid asks a process to exit gracefully.
func terminatePid(pid int) error {
	return unix.Kill(pid, unix.SIGTERM)
}

// killPid force-kills a process by pid. Used both as a Stop fallback when the
// in-process handle was lost and for orphan cleanup after a restart.
// ESRCH (already gone) is not an error.
func killPid(pid int) error {
	if pid <= 0 {
		return nil
	}
	err := unix.Kill(pid, unix.SIGKILL)
	if err != nil && errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// pidAlive reports whether a process with the given pid exists.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}
