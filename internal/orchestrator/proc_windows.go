//go:build windows

package orchestrator

import (
	"os"
	"os/exec"
	"syscall"
)

// detachProcess configures the command to run without a console window of its
// own and outside the daemon's process group.
func detachProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
		HideWindow:    true,
	}
}

// terminatePid has no graceful equivalent on Windows; Kill is used directly.
func terminatePid(pid int) error {
	return killPid(pid)
}

// killPid force-kills a process by pid. A missing process is not an error.
func killPid(pid int) error {
	if pid <= 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := p.Kill(); err != nil && err != os.ErrProcessDone {
		return err
	}
	return nil
}

// pidAlive reports whether a process with the given pid exists.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
