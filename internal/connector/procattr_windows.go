//go:build windows

package connector

import (
	"os"
	"os/exec"
	"syscall"
)

// setProcGroup places the CLI in a new process group via the Windows
// creation flag.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// terminateProcessGroup kills the process; Windows has no group SIGTERM.
func terminateProcessGroup(pid int) error {
	return killProcessGroup(pid)
}

// killProcessGroup forcibly terminates the process.
func killProcessGroup(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
