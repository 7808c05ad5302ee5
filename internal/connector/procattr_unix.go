//go:build unix && !linux

package connector

import (
	"os/exec"
	"syscall"
)

// setProcGroup runs the CLI in its own process group so the whole tree can
// be signalled together. Pdeathsig is Linux-only; on these platforms orphan
// cleanup relies on explicit Close calls.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateProcessGroup sends SIGTERM to the whole process group.
func terminateProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// killProcessGroup sends SIGKILL to the whole process group.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
