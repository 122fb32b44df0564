//go:build windows

package executor

import (
	"os/exec"
	"syscall"
)

// setProcessGroup is a no-op on Windows; process trees are managed
// differently there and this engine's orphan-kill path is unix-only for now.
func setProcessGroup(_ *exec.Cmd) {}

func killProcessGroup(pid int, _ syscall.Signal) error {
	return nil
}
