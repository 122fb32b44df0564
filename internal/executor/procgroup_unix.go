//go:build !windows

package executor

import (
	"os/exec"
	"syscall"
)

// setProcessGroup makes cmd the leader of its own process group so the
// supervisor can kill the whole tree (the coding agent and whatever
// subprocesses it spawns) with a single signal.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup sends sig to the process group led by pid. Falls back to
// signaling pid directly if it is not a group leader.
func killProcessGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	if err := syscall.Kill(-pid, sig); err != nil {
		return syscall.Kill(pid, sig)
	}
	return nil
}
