//go:build !windows

package runner

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the shell in its own process group and makes context
// cancellation kill the whole group, so children spawned by the command go
// with it.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
